package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/common/logger"
)

const (
	spriteNamePrefix     = "threadbox-"
	spriteStopCmdTimeout = 15 * time.Second
)

// proxyEntry tracks an active port-forwarding session to a sprite.
type proxyEntry struct {
	localPort    int
	proxySession *sprites.ProxySession
}

// SpritesAPI implements API on top of Sprites.dev remote sandboxes.
//
// Sprites are created lazily on first command and suspend on their own when
// idle, so Start amounts to running a trivial command and Stop to killing
// the agent process so nothing keeps the sprite awake.
type SpritesAPI struct {
	client    *sprites.Client
	agentPort int
	logger    *logger.Logger

	mu      sync.Mutex
	proxies map[string]*proxyEntry
	tokens  map[string]string // generated agent tokens per sandbox
}

var _ API = (*SpritesAPI)(nil)

// NewSpritesAPI creates a Sprites.dev-backed sandbox provider. agentPort is
// the in-sandbox port the agent server listens on; previews proxy to it.
func NewSpritesAPI(token string, agentPort int, log *logger.Logger) *SpritesAPI {
	return &SpritesAPI{
		client:    sprites.New(token),
		agentPort: agentPort,
		logger:    log.WithFields(zap.String("provider", "sprites")),
		proxies:   make(map[string]*proxyEntry),
		tokens:    make(map[string]string),
	}
}

// SandboxName derives the provider-side name for a thread. Exposed so
// listings can be matched back to threads.
func SandboxName(threadID string) string {
	return spriteNamePrefix + threadID
}

func (s *SpritesAPI) Create(ctx context.Context, req CreateRequest) (string, error) {
	name := SandboxName(req.ThreadID)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("creating sandbox",
		zap.String("sandbox_id", name),
		zap.String("thread_id", req.ThreadID))

	// Lazy create on first command.
	sprite := s.client.Sprite(name)
	out, err := sprite.CommandContext(stepCtx, "echo", "threadbox-ready").Output()
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox %s: %w", name, err)
	}
	if !strings.Contains(string(out), "threadbox-ready") {
		return "", fmt.Errorf("unexpected sandbox output for %s: %s", name, string(out))
	}

	s.mu.Lock()
	s.tokens[name] = generateAgentToken()
	s.mu.Unlock()

	return name, nil
}

func (s *SpritesAPI) Exec(ctx context.Context, sandboxID, label string, command []string, opts ExecOptions) (string, error) {
	if len(command) == 0 {
		return "", fmt.Errorf("exec %s: empty command", label)
	}

	cmd := s.client.Sprite(sandboxID).CommandContext(ctx, command[0], command[1:]...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		env := make([]string, 0, len(opts.Env))
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		if looksLikeMissingSprite(err, out) {
			return string(out), &NotFoundError{SandboxID: sandboxID}
		}
		return string(out), fmt.Errorf("exec %s in %s: %w", label, sandboxID, err)
	}
	return string(out), nil
}

func (s *SpritesAPI) Start(ctx context.Context, sandboxID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Any command wakes a suspended sprite.
	out, err := s.client.Sprite(sandboxID).CommandContext(stepCtx, "true").CombinedOutput()
	if err != nil {
		if looksLikeMissingSprite(err, out) {
			return &NotFoundError{SandboxID: sandboxID}
		}
		return fmt.Errorf("failed to start sandbox %s: %w", sandboxID, err)
	}
	return nil
}

func (s *SpritesAPI) Stop(ctx context.Context, sandboxID string) error {
	s.closeProxy(sandboxID)

	stepCtx, cancel := context.WithTimeout(ctx, spriteStopCmdTimeout)
	defer cancel()

	// Kill the agent so nothing keeps the sprite awake; it suspends on its
	// own once idle.
	kill := fmt.Sprintf("fuser -k %d/tcp 2>/dev/null || true", s.agentPort)
	out, err := s.client.Sprite(sandboxID).CommandContext(stepCtx, "sh", "-c", kill).CombinedOutput()
	if err != nil {
		if looksLikeMissingSprite(err, out) {
			return &NotFoundError{SandboxID: sandboxID}
		}
		return fmt.Errorf("failed to stop sandbox %s: %w", sandboxID, err)
	}
	return nil
}

func (s *SpritesAPI) Destroy(ctx context.Context, sandboxID string) error {
	s.closeProxy(sandboxID)

	s.mu.Lock()
	delete(s.tokens, sandboxID)
	s.mu.Unlock()

	if err := s.client.Sprite(sandboxID).Destroy(); err != nil {
		if looksLikeMissingSprite(err, nil) {
			return &NotFoundError{SandboxID: sandboxID}
		}
		return fmt.Errorf("failed to destroy sandbox %s: %w", sandboxID, err)
	}

	s.logger.Info("sandbox destroyed", zap.String("sandbox_id", sandboxID))
	return nil
}

func (s *SpritesAPI) GetPreview(ctx context.Context, sandboxID string) (Preview, error) {
	s.mu.Lock()
	entry, ok := s.proxies[sandboxID]
	token := s.tokens[sandboxID]
	s.mu.Unlock()

	if !ok {
		localPort, err := getFreePort()
		if err != nil {
			return Preview{}, fmt.Errorf("failed to allocate local port: %w", err)
		}

		session, err := s.client.Sprite(sandboxID).ProxyPort(ctx, localPort, s.agentPort)
		if err != nil {
			return Preview{}, fmt.Errorf("port forwarding to %s failed: %w", sandboxID, err)
		}

		entry = &proxyEntry{localPort: localPort, proxySession: session}
		s.mu.Lock()
		s.proxies[sandboxID] = entry
		s.mu.Unlock()

		s.logger.Debug("port forwarding established",
			zap.String("sandbox_id", sandboxID),
			zap.Int("local_port", localPort),
			zap.Int("remote_port", s.agentPort))
	}

	url := fmt.Sprintf("http://127.0.0.1:%d", entry.localPort)
	if token != "" {
		// Token travels embedded; callers normalize it out.
		url += "?tkn=" + token
	}
	return Preview{URL: url}, nil
}

func (s *SpritesAPI) List(ctx context.Context) ([]Info, error) {
	list, err := s.client.ListSprites(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	var infos []Info
	for _, sp := range list.Sprites {
		if !strings.HasPrefix(sp.Name, spriteNamePrefix) {
			continue
		}
		infos = append(infos, Info{
			ID:        sp.Name,
			Status:    sp.Status,
			CreatedAt: sp.CreatedAt,
		})
	}
	return infos, nil
}

func (s *SpritesAPI) Close() error {
	s.mu.Lock()
	proxies := s.proxies
	s.proxies = make(map[string]*proxyEntry)
	s.mu.Unlock()

	for id, entry := range proxies {
		if entry.proxySession != nil {
			if err := entry.proxySession.Close(); err != nil {
				s.logger.Warn("failed to close proxy session",
					zap.String("sandbox_id", id),
					zap.Error(err))
			}
		}
	}
	return s.client.Close()
}

func (s *SpritesAPI) closeProxy(sandboxID string) {
	s.mu.Lock()
	entry, ok := s.proxies[sandboxID]
	if ok {
		delete(s.proxies, sandboxID)
	}
	s.mu.Unlock()

	if ok && entry.proxySession != nil {
		_ = entry.proxySession.Close()
	}
}

// looksLikeMissingSprite classifies provider errors that mean the sandbox no
// longer exists. The SDK surfaces these as message text, not typed errors.
func looksLikeMissingSprite(err error, out []byte) bool {
	for _, s := range []string{strings.ToLower(errString(err)), strings.ToLower(string(out))} {
		if strings.Contains(s, "not found") || strings.Contains(s, "no such sprite") || strings.Contains(s, "does not exist") {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// generateAgentToken creates the password the in-sandbox agent server is
// launched with.
func generateAgentToken() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("threadbox-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// getFreePort finds an available local port.
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
