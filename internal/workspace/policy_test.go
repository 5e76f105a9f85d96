package workspace

import (
	"context"
	"testing"
)

func eachRepo(t *testing.T, run func(t *testing.T, repo Repository)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		run(t, NewMemoryRepository(nil))
	})
	t.Run("sqlite", func(t *testing.T) {
		repo, err := NewSQLiteRepository(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("NewSQLiteRepository: %v", err)
		}
		t.Cleanup(func() { _ = repo.Close() })
		run(t, repo)
	})
}

func str(s string) *string { return &s }

// seedRBAC builds a two-role rbac workspace: editors may write, viewers
// may only read.
func seedRBAC(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(repo.CreateWorkspace(ctx, &Workspace{ID: "ws_team", TenantID: "default", Name: "Team", Mode: ModeRBAC, CreatedBy: "acc_owner"}))
	must(repo.UpsertRole(ctx, &Role{WorkspaceID: "ws_team", RoleID: "editor", Permissions: []string{"read", "manage"}}))
	must(repo.UpsertRole(ctx, &Role{WorkspaceID: "ws_team", RoleID: "viewer", Permissions: []string{"read"}}))
	must(repo.UpsertMember(ctx, &Member{WorkspaceID: "ws_team", AccountID: "acc_editor", RoleIDs: []string{"editor"}}))
	must(repo.UpsertMember(ctx, &Member{WorkspaceID: "ws_team", AccountID: "acc_viewer", RoleIDs: []string{"viewer"}}))
	must(repo.UpsertFolderACL(ctx, &FolderACL{WorkspaceID: "ws_team", FolderID: nil, RoleID: "editor", Read: EffectAllow, Write: EffectAllow}))
	must(repo.UpsertFolderACL(ctx, &FolderACL{WorkspaceID: "ws_team", FolderID: nil, RoleID: "viewer", Read: EffectAllow, Write: EffectDeny}))
}

func TestAuthorize_WorkspaceNotFound(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		engine := NewEngine(repo)

		decision, err := engine.AuthorizeWrite(context.Background(), "ws_missing", nil, Actor{AccountID: "acc_a"})
		if err != nil {
			t.Fatalf("AuthorizeWrite: %v", err)
		}
		if decision.OK || decision.Reason != ReasonWorkspaceNotFound {
			t.Errorf("decision = %+v, want workspace_not_found", decision)
		}
	})
}

func TestAuthorize_AllOpenAndSystemAdminBypass(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		engine := NewEngine(repo)
		ctx := context.Background()

		// The seeded default workspace is all_open: anyone may write.
		decision, err := engine.AuthorizeWrite(ctx, DefaultWorkspaceID, nil, Actor{AccountID: "acc_stranger"})
		if err != nil || !decision.OK {
			t.Errorf("all_open write: decision=%+v err=%v, want ok", decision, err)
		}

		// A system admin bypasses rbac entirely.
		seedRBAC(t, repo)
		admin := Actor{AccountID: "acc_outsider", SystemRoles: []string{SystemRoleAdmin}}
		decision, err = engine.AuthorizeWrite(ctx, "ws_team", nil, admin)
		if err != nil || !decision.OK {
			t.Errorf("system_admin write: decision=%+v err=%v, want ok", decision, err)
		}
	})
}

func TestAuthorize_MembershipRequired(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		seedRBAC(t, repo)
		engine := NewEngine(repo)
		ctx := context.Background()

		decision, err := engine.AuthorizeWrite(ctx, "ws_team", nil, Actor{AccountID: "acc_outsider"})
		if err != nil {
			t.Fatalf("AuthorizeWrite: %v", err)
		}
		if decision.OK || decision.Reason != ReasonForbiddenWorkspace {
			t.Errorf("outsider write = %+v, want forbidden_workspace_project_write", decision)
		}

		decision, _ = engine.AuthorizeRead(ctx, "ws_team", nil, Actor{AccountID: "acc_outsider"})
		if decision.OK || decision.Reason != ReasonForbiddenWorkspaceRead {
			t.Errorf("outsider read = %+v, want forbidden_workspace_project_read", decision)
		}
	})
}

func TestAuthorize_FolderEffects(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		seedRBAC(t, repo)
		engine := NewEngine(repo)
		ctx := context.Background()

		editor := Actor{AccountID: "acc_editor"}
		viewer := Actor{AccountID: "acc_viewer"}

		decision, err := engine.AuthorizeWrite(ctx, "ws_team", nil, editor)
		if err != nil || !decision.OK {
			t.Errorf("editor root write = %+v err=%v, want ok", decision, err)
		}

		decision, _ = engine.AuthorizeWrite(ctx, "ws_team", nil, viewer)
		if decision.OK || decision.Reason != ReasonForbiddenFolder {
			t.Errorf("viewer root write = %+v, want forbidden_folder_write", decision)
		}
		decision, _ = engine.AuthorizeRead(ctx, "ws_team", nil, viewer)
		if !decision.OK {
			t.Errorf("viewer root read = %+v, want ok", decision)
		}
	})
}

func TestAuthorize_DeeperOverridesShallower(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		seedRBAC(t, repo)
		engine := NewEngine(repo)
		ctx := context.Background()

		// Root denies the viewer, but a nested folder re-allows it.
		err := repo.UpsertFolderACL(ctx, &FolderACL{
			WorkspaceID: "ws_team", FolderID: str("fld_drafts"), RoleID: "viewer",
			Read: EffectAllow, Write: EffectAllow,
		})
		if err != nil {
			t.Fatalf("UpsertFolderACL: %v", err)
		}

		viewer := Actor{AccountID: "acc_viewer"}
		decision, _ := engine.AuthorizeWrite(ctx, "ws_team", []string{"fld_drafts"}, viewer)
		if !decision.OK {
			t.Errorf("nested allow did not override root deny: %+v", decision)
		}

		// The reverse: a deeper deny overrides an ancestor allow.
		err = repo.UpsertFolderACL(ctx, &FolderACL{
			WorkspaceID: "ws_team", FolderID: str("fld_frozen"), RoleID: "editor",
			Read: EffectAllow, Write: EffectDeny,
		})
		if err != nil {
			t.Fatalf("UpsertFolderACL: %v", err)
		}
		decision, _ = engine.AuthorizeWrite(ctx, "ws_team", []string{"fld_frozen"}, Actor{AccountID: "acc_editor"})
		if decision.OK || decision.FolderID != "fld_frozen" {
			t.Errorf("frozen folder write = %+v, want deny at fld_frozen", decision)
		}
	})
}

func TestAuthorize_DenyWinsAtEqualDepth(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		seedRBAC(t, repo)
		engine := NewEngine(repo)
		ctx := context.Background()

		// The member holds both roles; at the same folder one allows and
		// one denies.
		err := repo.UpsertMember(ctx, &Member{WorkspaceID: "ws_team", AccountID: "acc_both", RoleIDs: []string{"editor", "viewer"}})
		if err != nil {
			t.Fatalf("UpsertMember: %v", err)
		}

		decision, _ := engine.AuthorizeWrite(ctx, "ws_team", nil, Actor{AccountID: "acc_both"})
		if decision.OK {
			t.Errorf("write with conflicting same-depth effects = %+v, want deny", decision)
		}
	})
}

func TestEffectivePermissions(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		seedRBAC(t, repo)
		engine := NewEngine(repo)
		ctx := context.Background()

		perms, err := engine.EffectivePermissions(ctx, "ws_team", Actor{AccountID: "acc_editor"})
		if err != nil {
			t.Fatalf("EffectivePermissions: %v", err)
		}
		if !contains(perms, "manage") || !contains(perms, "read") {
			t.Errorf("editor perms = %v, want read+manage", perms)
		}

		perms, _ = engine.EffectivePermissions(ctx, "ws_team", Actor{AccountID: "acc_viewer"})
		if contains(perms, "manage") || !contains(perms, "read") {
			t.Errorf("viewer perms = %v, want read only", perms)
		}

		perms, _ = engine.EffectivePermissions(ctx, "ws_team", Actor{AccountID: "acc_outsider"})
		if len(perms) != 0 {
			t.Errorf("outsider perms = %v, want none", perms)
		}
	})
}

func TestRepository_ListByAccountAndCascade(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		seedRBAC(t, repo)
		ctx := context.Background()

		// A member sees their workspaces; a stranger falls back to the
		// default all_open seed.
		got, err := repo.ListWorkspacesByAccount(ctx, "acc_editor")
		if err != nil || len(got) != 1 || got[0].ID != "ws_team" {
			t.Fatalf("member workspaces = %v err=%v, want [ws_team]", got, err)
		}
		got, err = repo.ListWorkspacesByAccount(ctx, "acc_stranger")
		if err != nil || len(got) != 1 || got[0].ID != DefaultWorkspaceID {
			t.Fatalf("stranger workspaces = %v err=%v, want [%s]", got, err, DefaultWorkspaceID)
		}

		// Deleting the workspace drops its roles, members, and ACLs.
		if err := repo.DeleteWorkspace(ctx, "ws_team"); err != nil {
			t.Fatalf("DeleteWorkspace: %v", err)
		}
		if ws, _ := repo.GetWorkspace(ctx, "ws_team"); ws != nil {
			t.Error("workspace still present after delete")
		}
		if roles, _ := repo.ListRoles(ctx, "ws_team"); len(roles) != 0 {
			t.Errorf("roles after delete = %v, want none", roles)
		}
		if member, _ := repo.GetMember(ctx, "ws_team", "acc_editor"); member != nil {
			t.Error("member still present after delete")
		}
		if acls, _ := repo.ListFolderACLs(ctx, "ws_team"); len(acls) != 0 {
			t.Errorf("acls after delete = %v, want none", acls)
		}
	})
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
