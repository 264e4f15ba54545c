package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mentorly/assistant-app/internal/metrics"
	"github.com/mentorly/assistant-app/internal/protocol"
)

// DefaultMaxConnectionsPerProject bounds a single (user, project) bucket.
const DefaultMaxConnectionsPerProject = 100

// DefaultSendTimeout bounds one channel send inside a broadcast.
const DefaultSendTimeout = 5 * time.Second

var (
	// ErrResourceExhausted is returned by Connect when the target bucket is
	// already at capacity. The caller must reject and close the channel.
	ErrResourceExhausted = errors.New("ws: too many connections for project")

	// ErrDuplicateConnection is returned by Connect when the connection ID is
	// already registered.
	ErrDuplicateConnection = errors.New("ws: connection already registered")

	// ErrConnectionNotFound is returned by Disconnect for an unknown ID.
	ErrConnectionNotFound = errors.New("ws: connection not found")
)

// RemovalReason says why a channel left the registry.
type RemovalReason string

const (
	ReasonDisconnect RemovalReason = "disconnect"
	ReasonSendFailed RemovalReason = "send_failed"
	ReasonCleanup    RemovalReason = "cleanup"
)

// ConnectionMetadata describes one registered connection. Values returned by
// the registry are copies.
type ConnectionMetadata struct {
	ConnectionID  string
	UserID        string
	ProjectID     string
	ConnectedAt   time.Time
	LastMessageAt *time.Time
	MessageCount  int64
}

// ProjectStatistics is the per-project slice of UserStatistics.
type ProjectStatistics struct {
	ProjectID   string `json:"project_id"`
	Connections int    `json:"connections"`
	Messages    int64  `json:"messages"`
}

// UserStatistics aggregates one user's live connections.
type UserStatistics struct {
	UserID           string                       `json:"user_id"`
	TotalProjects    int                          `json:"total_projects"`
	TotalConnections int                          `json:"total_connections"`
	TotalMessages    int64                        `json:"total_messages"`
	Projects         map[string]ProjectStatistics `json:"projects"`
}

// GlobalStatistics aggregates every live connection.
type GlobalStatistics struct {
	TotalUsers               int   `json:"total_users"`
	TotalProjects            int   `json:"total_projects"`
	TotalConnections         int   `json:"total_connections"`
	TotalMessages            int64 `json:"total_messages"`
	MaxConnectionsPerProject int   `json:"max_connections_per_project"`
}

// RegistryConfig holds the registry's limits.
type RegistryConfig struct {
	MaxConnectionsPerProject int
	SendTimeout              time.Duration
}

// DefaultRegistryConfig returns the production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxConnectionsPerProject: DefaultMaxConnectionsPerProject,
		SendTimeout:              DefaultSendTimeout,
	}
}

// RemoveHook is invoked, outside the registry lock, for every channel that
// leaves the registry.
type RemoveHook func(ch Channel, meta ConnectionMetadata, reason RemovalReason)

// bucket is the set of channels under one (user, project) pair.
type bucket map[string]Channel // connection_id -> Channel

type record struct {
	ch   Channel
	meta ConnectionMetadata
}

// target is one element of a broadcast snapshot.
type target struct {
	id string
	ch Channel
}

// Registry is the single source of truth for live client channels. It maps
// user -> project -> connections, plus connection -> metadata, and fans out
// broadcasts without ever holding its lock across a network send.
type Registry struct {
	config RegistryConfig
	log    *zap.Logger

	mu      sync.Mutex
	users   map[string]map[string]bucket // user_id -> project_id -> bucket
	records map[string]*record           // connection_id -> record

	onRemove RemoveHook
}

// NewRegistry creates an empty Registry. Zero config fields fall back to the
// defaults.
func NewRegistry(config RegistryConfig, log *zap.Logger) *Registry {
	if config.MaxConnectionsPerProject <= 0 {
		config.MaxConnectionsPerProject = DefaultMaxConnectionsPerProject
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSendTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		config:  config,
		log:     log.With(zap.String("component", "registry")),
		users:   make(map[string]map[string]bucket),
		records: make(map[string]*record),
	}
}

// SetOnRemove installs the removal hook. It must be set before the registry
// is shared between goroutines.
func (r *Registry) SetOnRemove(hook RemoveHook) {
	r.onRemove = hook
}

// Connect registers ch under (userID, projectID). The capacity check and the
// insert happen under one lock acquisition.
func (r *Registry) Connect(ch Channel, userID, projectID, connectionID string) error {
	r.mu.Lock()
	if _, exists := r.records[connectionID]; exists {
		r.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, connectionID)
	}

	projects, ok := r.users[userID]
	if !ok {
		projects = make(map[string]bucket)
		r.users[userID] = projects
	}
	b, ok := projects[projectID]
	if !ok {
		b = make(bucket)
		projects[projectID] = b
	}

	if len(b) >= r.config.MaxConnectionsPerProject {
		r.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("bucket_full").Inc()
		r.log.Warn("connection rejected, project at capacity",
			zap.String("connection_id", connectionID),
			zap.String("user_id", userID),
			zap.String("project_id", projectID),
			zap.Int("max", r.config.MaxConnectionsPerProject))
		return fmt.Errorf("%w: user=%s project=%s max=%d",
			ErrResourceExhausted, userID, projectID, r.config.MaxConnectionsPerProject)
	}

	b[connectionID] = ch
	r.records[connectionID] = &record{
		ch: ch,
		meta: ConnectionMetadata{
			ConnectionID: connectionID,
			UserID:       userID,
			ProjectID:    projectID,
			ConnectedAt:  time.Now(),
		},
	}
	total := len(r.records)
	r.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	r.log.Info("connection registered",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID),
		zap.String("project_id", projectID),
		zap.Int("total", total))
	return nil
}

// Disconnect removes a connection and returns the pair it was registered
// under. Unknown IDs yield ErrConnectionNotFound. The channel is not closed;
// the transport owns that.
func (r *Registry) Disconnect(connectionID string) (userID, projectID string, err error) {
	r.mu.Lock()
	rec, ok := r.removeLocked(connectionID)
	r.mu.Unlock()

	if !ok {
		return "", "", ErrConnectionNotFound
	}
	r.afterRemove(rec, ReasonDisconnect)
	return rec.meta.UserID, rec.meta.ProjectID, nil
}

// removeLocked deletes connectionID from both maps and prunes empty
// containers. r.mu must be held.
func (r *Registry) removeLocked(connectionID string) (*record, bool) {
	rec, ok := r.records[connectionID]
	if !ok {
		return nil, false
	}
	delete(r.records, connectionID)

	if projects, ok := r.users[rec.meta.UserID]; ok {
		if b, ok := projects[rec.meta.ProjectID]; ok {
			delete(b, connectionID)
			if len(b) == 0 {
				delete(projects, rec.meta.ProjectID)
			}
		}
		if len(projects) == 0 {
			delete(r.users, rec.meta.UserID)
		}
	}
	return rec, true
}

func (r *Registry) afterRemove(rec *record, reason RemovalReason) {
	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsRemoved.WithLabelValues(string(reason)).Inc()
	r.log.Info("connection removed",
		zap.String("connection_id", rec.meta.ConnectionID),
		zap.String("user_id", rec.meta.UserID),
		zap.String("project_id", rec.meta.ProjectID),
		zap.String("reason", string(reason)),
		zap.Int64("messages", rec.meta.MessageCount))
	if r.onRemove != nil {
		r.onRemove(rec.ch, rec.meta, reason)
	}
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

// BroadcastToProject sends msg to every channel in the (userID, projectID)
// bucket except excludeConnectionID (empty excludes nothing). It returns the
// number of channels the send succeeded on.
func (r *Registry) BroadcastToProject(ctx context.Context, userID, projectID string, msg protocol.Message, excludeConnectionID string) int {
	r.mu.Lock()
	var targets []target
	if b, ok := r.users[userID][projectID]; ok {
		targets = make([]target, 0, len(b))
		for id, ch := range b {
			if id == excludeConnectionID {
				continue
			}
			targets = append(targets, target{id: id, ch: ch})
		}
	}
	r.mu.Unlock()

	return r.fanOut(ctx, "project", targets, msg)
}

// BroadcastToUser sends msg to every channel of userID across all projects.
func (r *Registry) BroadcastToUser(ctx context.Context, userID string, msg protocol.Message) int {
	r.mu.Lock()
	var targets []target
	for _, b := range r.users[userID] {
		for id, ch := range b {
			targets = append(targets, target{id: id, ch: ch})
		}
	}
	r.mu.Unlock()

	return r.fanOut(ctx, "user", targets, msg)
}

// BroadcastToAll sends msg to every registered channel.
func (r *Registry) BroadcastToAll(ctx context.Context, msg protocol.Message) int {
	r.mu.Lock()
	targets := make([]target, 0, len(r.records))
	for id, rec := range r.records {
		targets = append(targets, target{id: id, ch: rec.ch})
	}
	r.mu.Unlock()

	return r.fanOut(ctx, "all", targets, msg)
}

// fanOut serializes msg once, sends it to each target outside the lock,
// records successes, and prunes failures after the loop. A cancelled ctx
// stops the broadcast but never counts against a channel.
func (r *Registry) fanOut(ctx context.Context, scope string, targets []target, msg protocol.Message) int {
	if len(targets) == 0 {
		return 0
	}
	if err := ctx.Err(); err != nil {
		r.log.Debug("broadcast skipped, caller context done",
			zap.String("scope", scope), zap.Error(err))
		return 0
	}
	start := time.Now()
	defer func() {
		metrics.BroadcastDuration.WithLabelValues(scope).Observe(time.Since(start).Seconds())
	}()

	data, err := msg.MarshalAt(start)
	if err != nil {
		r.log.Error("broadcast dropped, message not serializable",
			zap.String("scope", scope), zap.Error(err))
		return 0
	}

	sent := 0
	var failed []target
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := r.send(ctx, t.ch, data); err != nil {
			r.log.Debug("send failed",
				zap.String("connection_id", t.id),
				zap.String("scope", scope),
				zap.Error(err))
			failed = append(failed, t)
			continue
		}
		sent++
		r.recordSend(t.id)
	}

	for _, t := range failed {
		r.prune(t.id, t.ch)
	}
	return sent
}

// send performs one bounded send. The send runs on its own goroutine so a
// Channel that ignores its context still cannot stall the broadcast past
// SendTimeout; such a channel is closed by prune, which unblocks it. Only
// SendTimeout bounds the send: the caller's cancellation is not the
// channel's fault.
func (r *Registry) send(ctx context.Context, ch Channel, data []byte) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- ch.Send(sendCtx, data)
	}()

	select {
	case err := <-done:
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				metrics.SendsTotal.WithLabelValues("timeout").Inc()
			} else {
				metrics.SendsTotal.WithLabelValues("failed").Inc()
			}
			return err
		}
		metrics.SendsTotal.WithLabelValues("ok").Inc()
		return nil
	case <-sendCtx.Done():
		metrics.SendsTotal.WithLabelValues("timeout").Inc()
		return fmt.Errorf("ws: send timed out after %s: %w", r.config.SendTimeout, sendCtx.Err())
	}
}

// recordSend bumps the message counters of one connection under a short
// lock. A connection removed mid-broadcast is skipped.
func (r *Registry) recordSend(connectionID string) {
	now := time.Now()
	r.mu.Lock()
	if rec, ok := r.records[connectionID]; ok {
		rec.meta.MessageCount++
		rec.meta.LastMessageAt = &now
	}
	r.mu.Unlock()
}

// prune removes a failed channel if it is still the one registered under
// connectionID, then closes it.
func (r *Registry) prune(connectionID string, ch Channel) {
	r.mu.Lock()
	rec, ok := r.records[connectionID]
	if ok && rec.ch == ch {
		r.removeLocked(connectionID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.afterRemove(rec, ReasonSendFailed)
	if err := ch.Close(); err != nil {
		r.log.Debug("close after failed send",
			zap.String("connection_id", connectionID), zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// ConnectionMetadata returns a copy of the metadata for connectionID.
func (r *Registry) ConnectionMetadata(connectionID string) (ConnectionMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[connectionID]
	if !ok {
		return ConnectionMetadata{}, false
	}
	return rec.meta.clone(), true
}

// ProjectConnections lists the metadata of every connection in a bucket.
func (r *Registry) ProjectConnections(userID, projectID string) []ConnectionMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.users[userID][projectID]
	out := make([]ConnectionMetadata, 0, len(b))
	for id := range b {
		if rec, ok := r.records[id]; ok {
			out = append(out, rec.meta.clone())
		}
	}
	return out
}

// UserStatistics aggregates one user's connections at this instant.
func (r *Registry) UserStatistics(userID string) UserStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := UserStatistics{
		UserID:   userID,
		Projects: make(map[string]ProjectStatistics),
	}
	for projectID, b := range r.users[userID] {
		ps := ProjectStatistics{ProjectID: projectID, Connections: len(b)}
		for id := range b {
			if rec, ok := r.records[id]; ok {
				ps.Messages += rec.meta.MessageCount
			}
		}
		stats.Projects[projectID] = ps
		stats.TotalProjects++
		stats.TotalConnections += ps.Connections
		stats.TotalMessages += ps.Messages
	}
	return stats
}

// GlobalStatistics aggregates every connection at this instant.
func (r *Registry) GlobalStatistics() GlobalStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := GlobalStatistics{
		TotalUsers:               len(r.users),
		TotalConnections:         len(r.records),
		MaxConnectionsPerProject: r.config.MaxConnectionsPerProject,
	}
	for _, projects := range r.users {
		stats.TotalProjects += len(projects)
	}
	for _, rec := range r.records {
		stats.TotalMessages += rec.meta.MessageCount
	}
	return stats
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.records)
	r.mu.Unlock()
	return n
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

// CleanupUserConnections removes and closes every channel of userID, e.g. on
// logout. Close errors are logged and do not stop the sweep. It returns the
// number of connections removed.
func (r *Registry) CleanupUserConnections(userID string) int {
	r.mu.Lock()
	var removed []*record
	for _, b := range r.users[userID] {
		for id := range b {
			if rec, ok := r.records[id]; ok {
				removed = append(removed, rec)
			}
		}
	}
	for _, rec := range removed {
		r.removeLocked(rec.meta.ConnectionID)
	}
	r.mu.Unlock()

	for _, rec := range removed {
		r.afterRemove(rec, ReasonCleanup)
		if err := rec.ch.Close(); err != nil {
			r.log.Warn("close failed during user cleanup",
				zap.String("connection_id", rec.meta.ConnectionID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	if len(removed) > 0 {
		r.log.Info("user connections cleaned up",
			zap.String("user_id", userID), zap.Int("closed", len(removed)))
	}
	return len(removed)
}

func (m ConnectionMetadata) clone() ConnectionMetadata {
	if m.LastMessageAt != nil {
		t := *m.LastMessageAt
		m.LastMessageAt = &t
	}
	return m
}
