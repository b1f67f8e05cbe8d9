package notification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mikeyg42/motionalarm/internal/config"
)

const (
	oauthCallbackPath = "/oauth2/callback"
	oauthTimeout      = 5 * time.Minute
	tokenFilePerms    = 0o600
)

// GmailNotifier sends alerts through the Gmail API with a stored OAuth2 token.
type GmailNotifier struct {
	cfg        config.EmailConfig
	systemName string
	retry      RetryConfig
	svc        *gmail.Service
	logger     *zap.Logger
}

func oauthConfig(cfg config.GmailConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}
}

// NewGmailNotifier loads the token written by AuthorizeGmail. Refreshed
// tokens are kept in memory only.
func NewGmailNotifier(ctx context.Context, cfg config.EmailConfig, systemName string, logger *zap.Logger) (*GmailNotifier, error) {
	if cfg.Gmail.ClientID == "" || cfg.Gmail.ClientSecret == "" {
		return nil, fmt.Errorf("gmail client_id and client_secret are required")
	}
	if logger == nil {
		logger = zap.L()
	}

	tok, err := loadToken(cfg.Gmail.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("load gmail token (run with -gmail-auth first): %w", err)
	}

	ts := oauthConfig(cfg.Gmail).TokenSource(ctx, tok)
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("init gmail service: %w", err)
	}

	return &GmailNotifier{
		cfg:        cfg,
		systemName: systemName,
		retry:      defaultRetry(cfg.MaxRetries),
		svc:        svc,
		logger:     logger.Named("gmail"),
	}, nil
}

func (n *GmailNotifier) Name() string { return "email" }

func (n *GmailNotifier) Alert(ctx context.Context, ev Event) error {
	msg, err := NewAlertMessage(ev, n.from(), n.cfg.To)
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg)
}

func (n *GmailNotifier) SendTestEmail(ctx context.Context) error {
	msg, err := NewTestMessage(n.systemName, n.from(), n.cfg.To)
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg)
}

// from falls back to the authenticated account.
func (n *GmailNotifier) from() string {
	if n.cfg.From != "" {
		return n.cfg.From
	}
	return "me"
}

func (n *GmailNotifier) deliver(ctx context.Context, msg *Message) error {
	if n.cfg.To == "" {
		return ErrEmailNotConfigured
	}

	raw, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)

	err = SendWithRetry(ctx, n.retry, func(ctx context.Context) error {
		_, err := n.svc.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
		if err == nil {
			return nil
		}
		if permanentAPIError(err) {
			return backoff.Permanent(err)
		}
		n.logger.Warn("Gmail send failed, retrying", zap.Error(err))
		return err
	})
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}

	n.logger.Info("Alert email sent", zap.String("to", n.cfg.To), zap.String("message_id", msg.MessageID))
	return nil
}

// permanentAPIError reports client errors other than rate limiting.
func permanentAPIError(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("%s holds neither access nor refresh token", path)
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, tokenFilePerms)
}

// AuthorizeGmail runs the loopback OAuth2 flow: it prints the consent URL,
// waits for Google's redirect and stores the resulting token.
func AuthorizeGmail(ctx context.Context, cfg config.GmailConfig, logger *zap.Logger) error {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return fmt.Errorf("gmail client_id and client_secret are required")
	}
	if logger == nil {
		logger = zap.L()
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind OAuth callback listener: %w", err)
	}
	defer ln.Close()

	oc := oauthConfig(cfg)
	oc.RedirectURL = "http://" + ln.Addr().String() + oauthCallbackPath

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != oauthCallbackPath {
				http.NotFound(w, r)
				return
			}
			if r.FormValue("state") != state {
				http.Error(w, "invalid state", http.StatusBadRequest)
				errCh <- fmt.Errorf("oauth state mismatch")
				return
			}
			if e := r.FormValue("error"); e != "" {
				http.Error(w, "authorization failed: "+e, http.StatusBadRequest)
				errCh <- fmt.Errorf("oauth provider error: %s", e)
				return
			}
			code := r.FormValue("code")
			if code == "" {
				http.Error(w, "missing code", http.StatusBadRequest)
				errCh <- fmt.Errorf("missing authorization code")
				return
			}
			fmt.Fprint(w, "Authorization complete. You can close this window.")
			codeCh <- code
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("OAuth callback server stopped", zap.Error(err))
		}
	}()
	defer srv.Close()

	authURL := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Printf("\nVisit this URL to authorize Gmail sending:\n\n%s\n\nWaiting for authorization...\n", authURL)

	waitCtx, cancel := context.WithTimeout(ctx, oauthTimeout)
	defer cancel()

	var code string
	select {
	case <-waitCtx.Done():
		return fmt.Errorf("oauth authorization: %w", waitCtx.Err())
	case err := <-errCh:
		return err
	case code = <-codeCh:
	}

	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	if err := saveToken(cfg.TokenFile, tok); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	logger.Info("Gmail token stored", zap.String("path", cfg.TokenFile))
	return nil
}
