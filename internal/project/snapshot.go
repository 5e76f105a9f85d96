package project

import (
	"context"
	"time"

	"github.com/ashfox/meshgate/internal/eventlog"
	"github.com/ashfox/meshgate/internal/lock"
	"github.com/ashfox/meshgate/internal/logger"
)

// snapshotPayload is the project_snapshot event body: the project's
// visible metadata plus its current lock holder, if any.
type snapshotPayload struct {
	WorkspaceID string        `json:"workspaceId"`
	ProjectID   string        `json:"projectId"`
	Revision    string        `json:"revision,omitempty"`
	Exists      bool          `json:"exists"`
	UpdatedAt   *time.Time    `json:"updatedAt,omitempty"`
	Lock        *snapshotLock `json:"lock"`
}

type snapshotLock struct {
	OwnerAgentID   string    `json:"ownerAgentId"`
	OwnerSessionID string    `json:"ownerSessionId,omitempty"`
	AcquiredAt     time.Time `json:"acquiredAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// SnapshotPublisher emits project_snapshot events whenever project or
// lock state changes. It implements lock.Sink and the job queue's
// Snapshotter; the event log itself suppresses no-op snapshots.
type SnapshotPublisher struct {
	repo  Repository
	locks *lock.Manager
	log   *eventlog.Log
}

func NewSnapshotPublisher(repo Repository, locks *lock.Manager, log *eventlog.Log) *SnapshotPublisher {
	return &SnapshotPublisher{repo: repo, locks: locks, log: log}
}

// EmitSnapshot appends the current snapshot for a project.
func (p *SnapshotPublisher) EmitSnapshot(workspaceID, projectID string) {
	payload := snapshotPayload{WorkspaceID: workspaceID, ProjectID: projectID}

	record, err := p.repo.Find(context.Background(), Scope{
		TenantID:    DefaultTenant,
		WorkspaceID: workspaceID,
		ProjectID:   projectID,
	})
	if err != nil {
		logger.Error("snapshot lookup for %s/%s failed: %v", workspaceID, projectID, err)
		return
	}
	if record != nil {
		payload.Exists = true
		payload.Revision = record.Revision
		updated := record.UpdatedAt
		payload.UpdatedAt = &updated
	}

	if held := p.locks.Get(workspaceID, projectID); held != nil {
		payload.Lock = &snapshotLock{
			OwnerAgentID:   held.OwnerAgentID,
			OwnerSessionID: held.OwnerSessionID,
			AcquiredAt:     held.AcquiredAt,
			ExpiresAt:      held.ExpiresAt,
		}
	}

	if _, _, err := p.log.AppendSnapshot(eventlog.Key(workspaceID, projectID), payload); err != nil {
		logger.Error("snapshot append for %s/%s failed: %v", workspaceID, projectID, err)
	}
}

// LockChanged satisfies lock.Sink.
func (p *SnapshotPublisher) LockChanged(workspaceID, projectID string, _ *lock.Lock) {
	p.EmitSnapshot(workspaceID, projectID)
}
