// meshgate is the MCP gateway server binary. Without a subcommand it
// starts the gateway; subcommands manage API keys and data snapshots.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ashfox/meshgate/internal/audit"
	"github.com/ashfox/meshgate/internal/auth"
	"github.com/ashfox/meshgate/internal/backend"
	"github.com/ashfox/meshgate/internal/backend/engine"
	"github.com/ashfox/meshgate/internal/backup"
	"github.com/ashfox/meshgate/internal/blob"
	"github.com/ashfox/meshgate/internal/config"
	"github.com/ashfox/meshgate/internal/dispatch"
	"github.com/ashfox/meshgate/internal/eventlog"
	"github.com/ashfox/meshgate/internal/janitor"
	"github.com/ashfox/meshgate/internal/jobs"
	"github.com/ashfox/meshgate/internal/lock"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/mcp"
	"github.com/ashfox/meshgate/internal/project"
	"github.com/ashfox/meshgate/internal/session"
	"github.com/ashfox/meshgate/internal/validation"
	"github.com/ashfox/meshgate/internal/workspace"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "key":
			cmdKey(os.Args[2:])
			return
		case "backup":
			cmdBackup(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("meshgate %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: run the gateway
	runServer()
}

func printUsage() {
	fmt.Printf(`meshgate %s - MCP gateway for 3D modeling backends

Usage: meshgate [command] [options]

Commands:
  (default)    Start the gateway server
  key          Manage API keys (create, list, revoke)
  backup       Manage data snapshots (create, list, restore)

Environment:
  PORT                     Listen port (default %d)
  MCP_PATH                 JSON-RPC endpoint path (default %s)
  MESHGATE_DATA_DIR        Data directory (default ~/.meshgate)
  MESHGATE_LOG_DIR         Log directory (default <data>/logs)
  MESHGATE_SESSION_TTL     Idle session lifetime (default %s)
  MESHGATE_WORKERS         Job worker count (default %d)
  MESHGATE_TRACE_TOOL_CALLS  Record every tool call to the audit log

Examples:
  meshgate                                 Start the server
  meshgate key create --name "CI bot" --account acc_ci --service
  meshgate key list
  meshgate backup create
`, Version, config.DefaultPort, config.DefaultMCPPath, config.DefaultSessionTTL, config.DefaultWorkerCount)
}

// sinkFunc adapts a closure to lock.Sink. The snapshot publisher needs
// the lock manager at construction, so the manager's sink is bound late
// through the closure.
type sinkFunc func(workspaceID, projectID string, l *lock.Lock)

func (f sinkFunc) LockChanged(workspaceID, projectID string, l *lock.Lock) {
	f(workspaceID, projectID, l)
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("meshgate %s starting", Version)

	repo, err := project.NewSQLiteRepository(cfg.DataDir, project.Options{})
	if err != nil {
		logger.Fatalf("project store: %v", err)
	}
	defer func() { _ = repo.Close() }()

	wsRepo, err := workspace.NewSQLiteRepository(cfg.DataDir, nil)
	if err != nil {
		logger.Fatalf("workspace store: %v", err)
	}
	defer func() { _ = wsRepo.Close() }()

	blobs, err := blob.NewSQLiteStore(cfg.DataDir, nil)
	if err != nil {
		logger.Fatalf("blob store: %v", err)
	}
	defer func() { _ = blobs.Close() }()

	authStore, err := auth.NewStore(cfg.DataDir)
	if err != nil {
		logger.Fatalf("auth store: %v", err)
	}
	defer func() { _ = authStore.Close() }()

	events := eventlog.New(nil)

	// The lock manager publishes lock transitions through the snapshot
	// publisher, which itself needs the manager; bind the sink late.
	var snap *project.SnapshotPublisher
	locks := lock.NewManager(nil, sinkFunc(func(workspaceID, projectID string, l *lock.Lock) {
		if snap != nil {
			snap.LockChanged(workspaceID, projectID, l)
		}
	}))
	snap = project.NewSnapshotPublisher(repo, locks, events)

	queue := jobs.NewQueue(events, nil, snap)
	eng := engine.New(repo, queue, blobs, snap, nil)
	backends := backend.NewRegistry(engine.BackendKind)
	backends.Register(eng)

	sessions := session.NewStore(cfg.SessionTTL, cfg.MaxSSEPerSession, nil)

	registry := mcp.NewRegistry()
	mcp.RegisterCoreTools(registry, mcp.CoreToolDeps{
		Backends:   backends,
		Sessions:   sessions,
		Queue:      queue,
		Workspaces: wsRepo,
	})
	eng.ToolRegistryInfo = registry.Info

	policy := workspace.NewEngine(wsRepo)
	resolver := mcp.NewResolver(registry, policy, wsRepo)

	dispatcher := dispatch.New(backends, policy, locks, repo, dispatch.Policy{
		AutoIncludeState:  cfg.AutoIncludeState,
		AutoIncludeDiff:   cfg.AutoIncludeDiff,
		AutoRetryRevision: cfg.AutoRetryRevision,
		TraceToolCalls:    cfg.TraceToolCalls,
		LockTTL:           cfg.LockTTL,
		LockTimeout:       cfg.LockTimeout,
		LockRetry:         cfg.LockRetry,
	}, nil, nil)

	if cfg.TraceToolCalls {
		auditLog, err := audit.Open(cfg.LogDir, true)
		if err != nil {
			logger.Fatalf("audit log: %v", err)
		}
		defer func() { _ = auditLog.Close() }()
		dispatcher.SetTrace(auditLog)
	}

	limiter := auth.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	srv := mcp.NewServer(cfg, mcp.Options{
		Sessions:     sessions,
		Registry:     registry,
		Resolver:     resolver,
		Dispatcher:   dispatcher,
		Resources:    mcp.NewCatalogStore(repo, eng.Capabilities),
		Events:       events,
		AuthStore:    authStore,
		Limiter:      limiter,
		Locks:        locks,
		Capabilities: eng.Capabilities,
	})

	pool := jobs.NewPool(queue, eng, cfg.WorkerCount, cfg.WorkerIdleBackoff)
	jan := janitor.New(sessions, locks, queue, limiter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	if err := jan.Start(); err != nil {
		logger.Fatalf("janitor: %v", err)
	}

	logger.Info("listening on %s (endpoint %s, workers %d)", cfg.Addr(), cfg.MCPPath, cfg.WorkerCount)
	if err := srv.Serve(ctx); err != nil {
		logger.Error("server: %v", err)
	}

	jan.Stop()
	pool.Stop()
	logger.Info("meshgate stopped")
}

func cmdKey(args []string) {
	if len(args) < 1 {
		printKeyUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	store, err := auth.NewStore(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	auditLog, err := audit.Open(cfg.LogDir, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audit log: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = auditLog.Close() }()

	switch args[0] {
	case "create":
		keyCreate(store, auditLog, args[1:])
	case "list":
		keyList(store)
	case "revoke":
		keyRevoke(store, auditLog, args[1:])
	case "help", "-h", "--help":
		printKeyUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown key command: %s\n", args[0])
		printKeyUsage()
		os.Exit(1)
	}
}

func printKeyUsage() {
	fmt.Println(`API Key Management

Usage: meshgate key <command> [options]

Commands:
  create    Create a new API key
  list      List all keys
  revoke    Revoke a key
  help      Show this help

Examples:
  meshgate key create --name "Local Dev" --account acc_dev --workspace ws_default
  meshgate key create --name "Ops" --account acc_ops --admin
  meshgate key create --name "Render farm" --account acc_farm --service
  meshgate key list
  meshgate key revoke mgk_xxxx...`)
}

func keyCreate(store *auth.Store, auditLog *audit.Logger, args []string) {
	fs := flag.NewFlagSet("key create", flag.ExitOnError)
	name := fs.String("name", "", "Human-readable key name (required)")
	account := fs.String("account", "", "Account id the key acts as (required)")
	workspaceID := fs.String("workspace", "", "Workspace the key is scoped to")
	service := fs.Bool("service", false, "Create a service key (service tools only)")
	admin := fs.Bool("admin", false, "Grant the system_admin role")
	expiresIn := fs.Duration("expires-in", 0, "Expire the key after this duration (0 = never)")
	_ = fs.Parse(args)

	if *name == "" || *account == "" {
		fmt.Fprintln(os.Stderr, "Error: --name and --account are required")
		fs.PrintDefaults()
		os.Exit(1)
	}
	if err := validation.ValidateName(*name); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *workspaceID != "" {
		if err := validation.ValidateID(validation.PrefixWorkspace, *workspaceID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	keySpace := auth.KeySpaceWorkspace
	if *service {
		keySpace = auth.KeySpaceService
	}
	var roles []string
	if *admin {
		roles = []string{auth.SystemRoleAdmin}
	}
	var expiresAt *time.Time
	if *expiresIn > 0 {
		t := time.Now().UTC().Add(*expiresIn)
		expiresAt = &t
	}

	key, secret, err := store.CreateKey(*name, keySpace, *account, *workspaceID, roles, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating key: %v\n", err)
		os.Exit(1)
	}

	auditLog.Log(&audit.Event{
		Operation:   audit.OpKeyCreate,
		KeyID:       key.ID,
		AccountID:   key.AccountID,
		WorkspaceID: key.WorkspaceID,
		Success:     true,
		Details:     map[string]any{"keySpace": string(key.KeySpace), "roles": key.SystemRoles},
	})

	fmt.Println("Key created successfully!")
	fmt.Println()
	fmt.Printf("Secret:    %s\n", secret)
	fmt.Printf("Name:      %s\n", key.Name)
	fmt.Printf("Space:     %s\n", key.KeySpace)
	fmt.Printf("Account:   %s\n", key.AccountID)
	if key.WorkspaceID != "" {
		fmt.Printf("Workspace: %s\n", key.WorkspaceID)
	}
	if len(key.SystemRoles) > 0 {
		fmt.Printf("Roles:     %v\n", key.SystemRoles)
	}
	if key.ExpiresAt != nil {
		fmt.Printf("Expires:   %s\n", key.ExpiresAt.Format("2006-01-02 15:04"))
	}
	fmt.Println()
	fmt.Println("IMPORTANT: Save this secret now. It cannot be retrieved later.")
}

func keyList(store *auth.Store) {
	keys, err := store.ListKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing keys: %v\n", err)
		os.Exit(1)
	}

	if len(keys) == 0 {
		fmt.Println("No keys found.")
		fmt.Println()
		fmt.Println("Create one with: meshgate key create --name \"My Key\" --account acc_me")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSPACE\tACCOUNT\tWORKSPACE\tCREATED\tLAST USED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t-------\t---------\t-------\t---------")

	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
		}
		workspaceID := k.WorkspaceID
		if workspaceID == "" {
			workspaceID = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			maskKeyID(k.ID),
			k.Name,
			k.KeySpace,
			k.AccountID,
			workspaceID,
			k.CreatedAt.Format("2006-01-02 15:04"),
			lastUsed,
		)
	}
	_ = w.Flush()
}

func keyRevoke(store *auth.Store, auditLog *audit.Logger, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: key ID required")
		fmt.Fprintln(os.Stderr, "Usage: meshgate key revoke <key_id>")
		os.Exit(1)
	}

	keyID := args[0]
	if err := store.RevokeKey(keyID); err != nil {
		auditLog.Log(&audit.Event{Operation: audit.OpKeyRevoke, KeyID: keyID, Error: err.Error()})
		fmt.Fprintf(os.Stderr, "Error revoking key: %v\n", err)
		os.Exit(1)
	}

	auditLog.Log(&audit.Event{Operation: audit.OpKeyRevoke, KeyID: keyID, Success: true})
	fmt.Printf("Key %s revoked successfully.\n", maskKeyID(keyID))
}

func maskKeyID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}

func cmdBackup(args []string) {
	if len(args) < 1 {
		printBackupUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	retention := fs.Int("retention", 5, "Number of snapshots to keep (0 = keep all)")
	_ = fs.Parse(args[1:])

	mgr, err := backup.New(backup.Config{
		DataDir:   cfg.DataDir,
		BackupDir: filepath.Join(cfg.DataDir, "backups"),
		Retention: *retention,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing backup manager: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		snap, err := mgr.Create()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created %s (%d bytes)\n", snap.Filename, snap.SizeBytes)
	case "list":
		snapshots, err := mgr.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing snapshots: %v\n", err)
			os.Exit(1)
		}
		if len(snapshots) == 0 {
			fmt.Println("No snapshots found.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "FILENAME\tCREATED\tSIZE")
		for _, s := range snapshots {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", s.Filename, s.Timestamp.Format("2006-01-02 15:04:05"), s.SizeBytes)
		}
		_ = w.Flush()
	case "restore":
		rest := fs.Args()
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "Error: snapshot filename required")
			fmt.Fprintln(os.Stderr, "Usage: meshgate backup restore <filename>")
			os.Exit(1)
		}
		if err := mgr.Restore(rest[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error restoring snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Restored %s into %s\n", rest[0], cfg.DataDir)
	case "help", "-h", "--help":
		printBackupUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown backup command: %s\n", args[0])
		printBackupUsage()
		os.Exit(1)
	}
}

func printBackupUsage() {
	fmt.Println(`Data Snapshots

Usage: meshgate backup <command> [options]

Commands:
  create     Archive the data directory into a new snapshot
  list       List available snapshots
  restore    Unpack a snapshot into the data directory (server must be stopped)
  help       Show this help

Examples:
  meshgate backup create
  meshgate backup create --retention 10
  meshgate backup list
  meshgate backup restore meshgate_20260824_120000.tar.gz`)
}
