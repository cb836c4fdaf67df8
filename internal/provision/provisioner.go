// Package provision realizes the session lifecycle state machine over the
// session store, the sandbox provider, and the in-sandbox agent server.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/agentapi"
	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/events/bus"
	"github.com/threadbox/threadbox/internal/sandbox"
	"github.com/threadbox/threadbox/internal/session/models"
	"github.com/threadbox/threadbox/internal/session/store"
)

const (
	agentLogPath     = "/var/log/agent.log"
	agentLogTailSize = 50
	workspaceDir     = "/root/workspace"

	// Reuse policies for sessions that are not currently active.
	PolicyResumePreferred = "resume_preferred"
	PolicyRecreate        = "recreate"
)

// AgentClient is the subset of the agent API the provisioner needs.
type AgentClient interface {
	WaitForHealthy(ctx context.Context, preview sandbox.Preview, maxWait time.Duration) error
	CreateSession(ctx context.Context, preview sandbox.Preview, title string) (string, error)
	SessionExists(ctx context.Context, preview sandbox.Preview, sessionID string) (bool, error)
	ListSessions(ctx context.Context, preview sandbox.Preview, limit int) ([]agentapi.SessionInfo, error)
}

// Config holds the lifecycle timing and policy knobs.
type Config struct {
	CreationTimeout      time.Duration
	StartupHealthTimeout time.Duration
	ResumeHealthTimeout  time.Duration
	ActiveCheckTimeout   time.Duration
	ReusePolicy          string
	AgentPort            int
	AgentRepo            string
	AgentModel           string
}

// Provisioner orchestrates session lifecycle transitions. It holds no state
// of its own; all durable state lives in the store, and callers serialize
// per-thread access above it.
type Provisioner struct {
	store     store.Store
	sandboxes sandbox.API
	agent     AgentClient
	events    bus.EventBus
	cfg       Config
	logger    *logger.Logger
}

// NewProvisioner creates a provisioner. events may be nil.
func NewProvisioner(st store.Store, sb sandbox.API, agent AgentClient, events bus.EventBus, cfg Config, log *logger.Logger) *Provisioner {
	if cfg.AgentPort == 0 {
		cfg.AgentPort = 4096
	}
	if cfg.ReusePolicy == "" {
		cfg.ReusePolicy = PolicyResumePreferred
	}
	return &Provisioner{
		store:     st,
		sandboxes: sb,
		agent:     agent,
		events:    events,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "provisioner")),
	}
}

// setStatus records a status transition and publishes it on the bus.
func (p *Provisioner) setStatus(ctx context.Context, threadID string, status models.Status, lastError string) error {
	if err := p.store.UpdateStatus(ctx, threadID, status, lastError); err != nil {
		return err
	}
	if p.events != nil {
		data := map[string]interface{}{"thread_id": threadID, "status": string(status)}
		if lastError != "" {
			data["last_error"] = lastError
		}
		if err := p.events.Publish(ctx, bus.SubjectSessionStatus, bus.NewEvent(bus.SubjectSessionStatus, "provisioner", data)); err != nil {
			p.logger.Warn("failed to publish status event", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return nil
}

// Provision creates a sandbox, installs and launches the agent server inside
// it, waits for health, creates an agent session, and persists the record as
// active. On any failure after sandbox creation the sandbox is destroyed so
// no orphan is left behind.
func (p *Provisioner) Provision(ctx context.Context, threadID, channelID, guildID string) (*models.Session, error) {
	log := p.logger.WithThreadID(threadID)

	if err := p.setStatus(ctx, threadID, models.StatusCreating, ""); err != nil {
		return nil, err
	}

	sandboxID, err := p.sandboxes.Create(ctx, sandbox.CreateRequest{
		ThreadID: threadID,
		GuildID:  guildID,
		Timeout:  p.cfg.CreationTimeout,
	})
	if err != nil {
		_ = p.setStatus(ctx, threadID, models.StatusError, "sandbox-create-failed")
		return nil, &SandboxCreateError{ThreadID: threadID, Err: err}
	}
	log = log.WithSandboxID(sandboxID)
	log.Info("sandbox created")

	record, err := p.bringUpAgent(ctx, threadID, channelID, guildID, sandboxID)
	if err != nil {
		// Scoped acquisition: anything failing between create and the
		// active record means the sandbox must not be left running.
		log.Warn("provision failed, destroying sandbox", zap.Error(err))
		if derr := p.sandboxes.Destroy(ctx, sandboxID); derr != nil {
			log.Warn("cleanup destroy failed", zap.Error(derr))
		}
		_ = p.setStatus(ctx, threadID, models.StatusError, err.Error())
		return nil, err
	}

	log.Info("session provisioned",
		zap.String("agent_session_id", record.AgentSessionID))
	return record, nil
}

func (p *Provisioner) bringUpAgent(ctx context.Context, threadID, channelID, guildID, sandboxID string) (*models.Session, error) {
	preview, err := p.resolvePreview(ctx, sandboxID, "")
	if err != nil {
		return nil, &SandboxCreateError{ThreadID: threadID, Err: err}
	}

	if err := p.installAgent(ctx, sandboxID, preview.Token); err != nil {
		return nil, err
	}

	if err := p.agent.WaitForHealthy(ctx, preview, p.cfg.StartupHealthTimeout); err != nil {
		return nil, &SandboxCreateError{
			ThreadID: threadID,
			LogTail:  p.agentLogTail(ctx, sandboxID),
			Err:      fmt.Errorf("agent never became healthy: %w", err),
		}
	}

	title := models.ThreadTitle(threadID)
	sessionID, err := p.agent.CreateSession(ctx, preview, title)
	if err != nil {
		return nil, &SandboxCreateError{
			ThreadID: threadID,
			LogTail:  p.agentLogTail(ctx, sandboxID),
			Err:      fmt.Errorf("create agent session: %w", err),
		}
	}

	record := &models.Session{
		ThreadID:       threadID,
		ChannelID:      channelID,
		GuildID:        guildID,
		SandboxID:      sandboxID,
		AgentSessionID: sessionID,
		PreviewURL:     preview.URL,
		PreviewToken:   preview.Token,
		Title:          title,
		Status:         models.StatusActive,
	}
	if err := p.store.Upsert(ctx, record); err != nil {
		return nil, err
	}
	if err := p.store.MarkHealthOk(ctx, threadID); err != nil {
		p.logger.Warn("mark health failed", zap.String("thread_id", threadID), zap.Error(err))
	}
	return record, nil
}

// installAgent bootstraps the agent server inside a fresh sandbox: optional
// workspace clone, config, then a detached launch logging to a fixed path.
func (p *Provisioner) installAgent(ctx context.Context, sandboxID, token string) error {
	var sb strings.Builder
	sb.WriteString("set -e\n")
	sb.WriteString("command -v opencode >/dev/null 2>&1 || curl -fsSL https://opencode.ai/install | bash\n")
	sb.WriteString("export PATH=\"$HOME/.opencode/bin:$PATH\"\n")
	if p.cfg.AgentRepo != "" {
		fmt.Fprintf(&sb, "[ -d %s ] || git clone %s %s\n", workspaceDir, p.cfg.AgentRepo, workspaceDir)
	} else {
		fmt.Fprintf(&sb, "mkdir -p %s\n", workspaceDir)
	}
	if p.cfg.AgentModel != "" {
		fmt.Fprintf(&sb, "printf '{\"model\": \"%s\"}' > %s/opencode.json\n", p.cfg.AgentModel, workspaceDir)
	}
	fmt.Fprintf(&sb,
		"cd %s && OPENCODE_SERVER_PASSWORD=%s nohup opencode serve --hostname 0.0.0.0 --port %d > %s 2>&1 &\n",
		workspaceDir, token, p.cfg.AgentPort, agentLogPath)
	sb.WriteString("sleep 1\n")

	out, err := p.sandboxes.Exec(ctx, sandboxID, "install-agent", []string{"sh", "-c", sb.String()}, sandbox.ExecOptions{})
	if err != nil {
		if sandbox.IsNotFound(err) {
			return &SandboxNotFoundError{SandboxID: sandboxID}
		}
		return &SandboxExecError{SandboxID: sandboxID, Label: "install-agent", Output: out, Err: err}
	}
	return nil
}

// restartAgent kills whatever holds the agent port and relaunches the server
// from whichever known directory carries the checkout. The exit code is
// logged but never fatal: the subsequent health probe is the arbiter.
func (p *Provisioner) restartAgent(ctx context.Context, sandboxID, token string) {
	script := fmt.Sprintf(
		"fuser -k %d/tcp 2>/dev/null; sleep 1; "+
			"export PATH=\"$HOME/.opencode/bin:$PATH\"; "+
			"for d in %s /root; do "+
			"[ -d \"$d\" ] && cd \"$d\" && OPENCODE_SERVER_PASSWORD=%s nohup opencode serve --hostname 0.0.0.0 --port %d > %s 2>&1 & break; "+
			"done; sleep 1",
		p.cfg.AgentPort, workspaceDir, token, p.cfg.AgentPort, agentLogPath)

	out, err := p.sandboxes.Exec(ctx, sandboxID, "restart-agent", []string{"sh", "-c", script}, sandbox.ExecOptions{})
	if err != nil {
		p.logger.Warn("agent restart command failed",
			zap.String("sandbox_id", sandboxID),
			zap.String("output", strings.TrimSpace(out)),
			zap.Error(err))
		return
	}
	p.logger.Debug("agent restart issued", zap.String("sandbox_id", sandboxID))
}

// resolvePreview fetches and normalizes the connectivity pair for a sandbox.
// fallbackToken covers providers that lose their token cache across
// orchestrator restarts; the persisted record token fills the gap.
func (p *Provisioner) resolvePreview(ctx context.Context, sandboxID, fallbackToken string) (sandbox.Preview, error) {
	raw, err := p.sandboxes.GetPreview(ctx, sandboxID)
	if err != nil {
		return sandbox.Preview{}, fmt.Errorf("resolve preview for %s: %w", sandboxID, err)
	}
	preview := sandbox.NormalizePreview(raw)
	if preview.Token == "" {
		preview.Token = fallbackToken
	}
	return preview, nil
}

// Resume brings a paused/failed session back to active on its existing
// sandbox. Failures come back as *ResumeFailedError whose AllowRecreate flag
// tells the caller whether reprovisioning is safe.
func (p *Provisioner) Resume(ctx context.Context, record *models.Session) (*models.Session, error) {
	log := p.logger.WithThreadID(record.ThreadID).WithSandboxID(record.SandboxID)

	switch record.Status {
	case models.StatusPaused, models.StatusDestroyed, models.StatusError, models.StatusPausing, models.StatusResuming:
	default:
		return nil, &ResumeFailedError{
			ThreadID:      record.ThreadID,
			AllowRecreate: true,
			Cause:         fmt.Errorf("status %q is not resumable", record.Status),
		}
	}

	if err := p.setStatus(ctx, record.ThreadID, models.StatusResuming, ""); err != nil {
		return nil, err
	}

	if err := p.sandboxes.Start(ctx, record.SandboxID, p.cfg.CreationTimeout); err != nil {
		if sandbox.IsNotFound(err) {
			log.Info("sandbox gone, marking destroyed")
			_ = p.setStatus(ctx, record.ThreadID, models.StatusDestroying, "")
			_ = p.setStatus(ctx, record.ThreadID, models.StatusDestroyed, "sandbox-not-found")
			return nil, &ResumeFailedError{
				ThreadID:      record.ThreadID,
				AllowRecreate: true,
				Cause:         &SandboxNotFoundError{SandboxID: record.SandboxID},
			}
		}
		startErr := &SandboxStartError{SandboxID: record.SandboxID, Err: err}
		_ = p.store.IncrementResumeFailure(ctx, record.ThreadID, startErr.Error())
		_ = p.setStatus(ctx, record.ThreadID, models.StatusError, startErr.Error())
		return nil, &ResumeFailedError{ThreadID: record.ThreadID, AllowRecreate: true, Cause: startErr}
	}

	preview, err := p.resolvePreview(ctx, record.SandboxID, record.PreviewToken)
	if err != nil {
		_ = p.store.IncrementResumeFailure(ctx, record.ThreadID, err.Error())
		_ = p.setStatus(ctx, record.ThreadID, models.StatusError, err.Error())
		return nil, &ResumeFailedError{
			ThreadID:      record.ThreadID,
			AllowRecreate: true,
			Cause:         &SandboxStartError{SandboxID: record.SandboxID, Err: err},
		}
	}

	p.restartAgent(ctx, record.SandboxID, preview.Token)

	if err := p.agent.WaitForHealthy(ctx, preview, p.cfg.ResumeHealthTimeout); err != nil {
		// The sandbox did come back; recreating now would discard its
		// session state, so the caller must not reprovision.
		tail := p.agentLogTail(ctx, record.SandboxID)
		_ = p.store.IncrementResumeFailure(ctx, record.ThreadID, "agent-unhealthy-after-resume")
		_ = p.setStatus(ctx, record.ThreadID, models.StatusError, tail)
		return nil, &ResumeFailedError{ThreadID: record.ThreadID, AllowRecreate: false, Cause: err}
	}

	sessionID, err := p.findOrCreateSessionID(ctx, preview, record)
	if err != nil {
		_ = p.store.IncrementResumeFailure(ctx, record.ThreadID, err.Error())
		_ = p.setStatus(ctx, record.ThreadID, models.StatusError, err.Error())
		return nil, &ResumeFailedError{ThreadID: record.ThreadID, AllowRecreate: false, Cause: err}
	}

	updated := record.Clone()
	updated.PreviewURL = preview.URL
	updated.PreviewToken = preview.Token
	updated.AgentSessionID = sessionID
	updated.Status = models.StatusActive
	if updated.Title == "" {
		updated.Title = models.ThreadTitle(record.ThreadID)
	}
	if err := p.store.Upsert(ctx, updated); err != nil {
		return nil, err
	}
	if err := p.store.MarkHealthOk(ctx, record.ThreadID); err != nil {
		log.Warn("mark health failed", zap.Error(err))
	}

	log.Info("session resumed", zap.String("agent_session_id", sessionID))
	return updated, nil
}

// findOrCreateSessionID reattaches to the prior agent session when it
// survived, falls back to the most recently updated session carrying the
// record's title, and creates a fresh one as the last resort.
func (p *Provisioner) findOrCreateSessionID(ctx context.Context, preview sandbox.Preview, record *models.Session) (string, error) {
	title := record.Title
	if title == "" {
		title = models.ThreadTitle(record.ThreadID)
	}

	if record.AgentSessionID != "" {
		exists, err := p.agent.SessionExists(ctx, preview, record.AgentSessionID)
		if err != nil {
			p.logger.Warn("session existence check failed",
				zap.String("thread_id", record.ThreadID), zap.Error(err))
		} else if exists {
			return record.AgentSessionID, nil
		}
	}

	sessions, err := p.agent.ListSessions(ctx, preview, 50)
	if err != nil {
		p.logger.Warn("session listing failed",
			zap.String("thread_id", record.ThreadID), zap.Error(err))
	} else {
		var best *agentapi.SessionInfo
		for i := range sessions {
			s := &sessions[i]
			if s.Title != title {
				continue
			}
			if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
				best = s
			}
		}
		if best != nil {
			return best.ID, nil
		}
	}

	return p.agent.CreateSession(ctx, preview, title)
}

// EnsureActive is the top-level "give me a usable session" operation.
func (p *Provisioner) EnsureActive(ctx context.Context, threadID, channelID, guildID string, current *models.Session) (*models.Session, error) {
	if current == nil {
		return p.Provision(ctx, threadID, channelID, guildID)
	}

	candidate := current
	if current.Status == models.StatusActive {
		if p.probeActive(ctx, current) {
			return current, nil
		}
		// The record may be stale: a peer (reconciler, admin action) can
		// have transitioned it since this snapshot was taken.
		fresh, err := p.store.GetByThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return p.Provision(ctx, threadID, channelID, guildID)
		}
		candidate = fresh
	}

	if p.cfg.ReusePolicy == PolicyResumePreferred {
		resumed, err := p.Resume(ctx, candidate)
		if err == nil {
			return resumed, nil
		}
		var rf *ResumeFailedError
		if errors.As(err, &rf) && !rf.AllowRecreate {
			return nil, &SandboxDeadError{SandboxID: candidate.SandboxID, Reason: rf.Cause.Error()}
		}
		p.logger.Info("resume failed, recreating",
			zap.String("thread_id", threadID), zap.Error(err))
	}

	if _, err := p.Destroy(ctx, candidate, "recreate"); err != nil {
		p.logger.Warn("destroy before recreate failed",
			zap.String("thread_id", threadID), zap.Error(err))
	}
	return p.Provision(ctx, threadID, channelID, guildID)
}

// probeActive verifies an active record is actually usable: agent healthy
// within the short budget and the agent session still present.
func (p *Provisioner) probeActive(ctx context.Context, record *models.Session) bool {
	preview, err := p.resolvePreview(ctx, record.SandboxID, record.PreviewToken)
	if err != nil {
		return false
	}
	if err := p.agent.WaitForHealthy(ctx, preview, p.cfg.ActiveCheckTimeout); err != nil {
		return false
	}
	exists, err := p.agent.SessionExists(ctx, preview, record.AgentSessionID)
	if err != nil || !exists {
		return false
	}
	if err := p.store.MarkHealthOk(ctx, record.ThreadID); err != nil {
		p.logger.Warn("mark health failed", zap.String("thread_id", record.ThreadID), zap.Error(err))
	}
	return true
}

// RecoverSendFailure reacts to a classified prompt failure so the next turn
// finds the record in a recoverable state.
func (p *Provisioner) RecoverSendFailure(ctx context.Context, record *models.Session, sendErr *agentapi.Error) (*models.Session, error) {
	switch sendErr.Kind() {
	case agentapi.KindNonRecoverable:
		return record, nil

	case agentapi.KindSessionMissing:
		_ = p.store.IncrementResumeFailure(ctx, record.ThreadID, "opencode-session-missing")
		if err := p.setStatus(ctx, record.ThreadID, models.StatusError, "opencode-session-missing"); err != nil {
			return nil, err
		}
		updated := record.Clone()
		updated.Status = models.StatusError
		return updated, nil

	default: // sandbox-down
		return p.Pause(ctx, record, "sandbox-down")
	}
}

// Pause stops the sandbox so a later turn can resume it cleanly.
func (p *Provisioner) Pause(ctx context.Context, record *models.Session, reason string) (*models.Session, error) {
	if record.Status == models.StatusPaused {
		return record, nil
	}
	log := p.logger.WithThreadID(record.ThreadID).WithSandboxID(record.SandboxID)
	log.Info("pausing session", zap.String("reason", reason))

	if err := p.setStatus(ctx, record.ThreadID, models.StatusPausing, ""); err != nil {
		return nil, err
	}

	if err := p.sandboxes.Stop(ctx, record.SandboxID); err != nil {
		log.Warn("sandbox stop failed, marking destroyed", zap.Error(err))
		if serr := p.setStatus(ctx, record.ThreadID, models.StatusDestroyed, "sandbox-unavailable-during-pause"); serr != nil {
			return nil, serr
		}
		updated := record.Clone()
		updated.Status = models.StatusDestroyed
		return updated, nil
	}

	if err := p.setStatus(ctx, record.ThreadID, models.StatusPaused, ""); err != nil {
		return nil, err
	}
	updated := record.Clone()
	updated.Status = models.StatusPaused
	return updated, nil
}

// Destroy tears the sandbox down permanently. Provider errors are ignored
// because the target state is destroyed either way.
func (p *Provisioner) Destroy(ctx context.Context, record *models.Session, reason string) (*models.Session, error) {
	if record.Status == models.StatusDestroyed {
		return record, nil
	}
	log := p.logger.WithThreadID(record.ThreadID).WithSandboxID(record.SandboxID)
	log.Info("destroying session", zap.String("reason", reason))

	if err := p.setStatus(ctx, record.ThreadID, models.StatusDestroying, ""); err != nil {
		return nil, err
	}
	if record.SandboxID != "" {
		if err := p.sandboxes.Destroy(ctx, record.SandboxID); err != nil {
			log.Warn("sandbox destroy failed", zap.Error(err))
		}
	}
	if err := p.setStatus(ctx, record.ThreadID, models.StatusDestroyed, reason); err != nil {
		return nil, err
	}

	updated := record.Clone()
	updated.Status = models.StatusDestroyed
	return updated, nil
}

// LogTail returns the last lines of the agent log inside the sandbox.
func (p *Provisioner) LogTail(ctx context.Context, sandboxID string, lines int) (string, error) {
	if lines <= 0 {
		lines = agentLogTailSize
	}
	cmd := []string{"sh", "-c", fmt.Sprintf("tail -n %d %s 2>/dev/null || true", lines, agentLogPath)}
	out, err := p.sandboxes.Exec(ctx, sandboxID, "agent-log-tail", cmd, sandbox.ExecOptions{})
	if err != nil {
		if sandbox.IsNotFound(err) {
			return "", &SandboxNotFoundError{SandboxID: sandboxID}
		}
		return "", &SandboxExecError{SandboxID: sandboxID, Label: "agent-log-tail", Output: out, Err: err}
	}
	return out, nil
}

func (p *Provisioner) agentLogTail(ctx context.Context, sandboxID string) string {
	tail, err := p.LogTail(ctx, sandboxID, agentLogTailSize)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(tail)
}
