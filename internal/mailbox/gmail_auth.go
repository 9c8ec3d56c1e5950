package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/tracyhatemice/mailotp/internal/config"
)

// ErrNotAuthorized means no Gmail token has been stored yet.
var ErrNotAuthorized = errors.New("gmail access not authorized, run `mailotp authorize`")

// Authorize runs the installed-app OAuth flow: it prints a consent URL to
// prompt, waits for Google to redirect the browser to a loopback listener,
// exchanges the code and stores the token under the tokens directory.
func Authorize(ctx context.Context, cfg config.Provider, prompt io.Writer) error {
	port := cfg.GetOAuthPort()
	conf, err := loadOAuthConfig(cfg.CredentialsFile, port)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("oauth listen: %w", err)
	}
	state := uuid.NewString()
	results := make(chan callbackResult, 1)
	srv := &http.Server{Handler: callbackHandler(state, results)}
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
	fmt.Fprintf(prompt, "Open this URL in a browser to authorize mail access:\n\n%s\n\n", authURL)

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		return res.err
	}

	tok, err := conf.Exchange(ctx, res.code)
	if err != nil {
		return fmt.Errorf("oauth exchange: %w", err)
	}
	path := tokenPath(cfg)
	if err := saveToken(path, tok); err != nil {
		return err
	}
	fmt.Fprintf(prompt, "Token saved to %s\n", path)
	return nil
}

type callbackResult struct {
	code string
	err  error
}

func callbackHandler(state string, results chan<- callbackResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("oauth authorization denied: %s", q.Get("error"))
			http.Error(w, "Authorization denied.", http.StatusForbidden)
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		default:
			res.code = q.Get("code")
			fmt.Fprintln(w, "Authorization received. You can close this window.")
		}
		select {
		case results <- res:
		default:
		}
	})
}

func loadOAuthConfig(credentialsFile string, port int) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	conf, err := google.ConfigFromJSON(data, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}
	conf.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/", port)
	return conf, nil
}

func tokenPath(cfg config.Provider) string {
	return filepath.Join(cfg.GetTokensDir(), "token.json")
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotAuthorized
		}
		return nil, fmt.Errorf("read gmail token: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("parse gmail token: %w", err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode gmail token: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write gmail token: %w", err)
	}
	return nil
}

// savingTokenSource writes refreshed tokens back to disk so the refresh
// token survives across runs.
type savingTokenSource struct {
	mu     sync.Mutex
	base   oauth2.TokenSource
	path   string
	last   string
	logger *slog.Logger
}

func newSavingTokenSource(base oauth2.TokenSource, path string, initial *oauth2.Token) *savingTokenSource {
	return &savingTokenSource{
		base:   base,
		path:   path,
		last:   initial.AccessToken,
		logger: slog.Default(),
	}
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := saveToken(s.path, tok); err != nil {
			s.logger.Warn("persist refreshed token failed", "error", err)
		}
	}
	return tok, nil
}
