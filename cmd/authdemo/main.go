// Command authdemo drives a real login against a TMI identity server from
// the terminal: it opens the authorization URL, listens for the OAuth
// callback on a local port, and then holds the session alive with the timer
// manager until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/tmihub/go-tmi-auth/auth"
	"github.com/tmihub/go-tmi-auth/guard"
	"github.com/tmihub/go-tmi-auth/idp"
	"github.com/tmihub/go-tmi-auth/internal/config"
	"github.com/tmihub/go-tmi-auth/oauthmodel"
	"github.com/tmihub/go-tmi-auth/pkce"
	"github.com/tmihub/go-tmi-auth/session"
	"github.com/tmihub/go-tmi-auth/storage"
	"github.com/tmihub/go-tmi-auth/tokenstore"
	"github.com/tmihub/go-tmi-auth/transport"
)

const callbackAddr = "localhost:4200"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running auth demo: %s\n", err)
	}
	log.Printf("Auth demo stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	displayAppname("TMI Auth")

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfg := config.FromEnv()
	cfg.CallbackURL = "http://" + callbackAddr + "/oauth-callback"

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("user home dir: %w", err)
	}
	durable, err := storage.NewFileStore(filepath.Join(home, ".tmi-auth", "store.json"))
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer durable.Close()
	volatile := storage.NewMemoryVolatile()

	nav := &terminalNavigator{log: logger}
	tokens := tokenstore.New(durable, volatile, tokenstore.WithLogger(logger))
	idpClient := idp.New(idp.Config{BaseURL: cfg.APIBaseURL}, logger)
	pkceManager := pkce.NewManager(volatile)

	svc, err := auth.NewService(cfg, tokens, pkceManager, idpClient, volatile, nav, auth.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	timers := session.NewTimerManager(svc, cfg.Session, session.WithLogger(logger))
	defer timers.Close()
	timers.Warnings().Subscribe(func(w *session.Warning) {
		if w == nil {
			return
		}
		logger.Warn().Str("kind", string(w.Kind)).Time("expires_at", w.ExpiresAt).Msg("session warning")
	})

	validityGuard := guard.New(svc, nav, durable, cfg.Session, cfg.HomePath, guard.WithLogger(logger))
	validityGuard.Start()
	defer validityGuard.Stop()

	// The API client every other call in the application would use.
	authedTransport, err := transport.New(cfg.APIBaseURL, svc.Refresh(), svc, transport.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	_ = authedTransport.Client()

	if authed, _ := svc.CheckAuthStatus(context.Background()); authed {
		logger.Info().Msg("existing session still valid")
	} else if err := login(svc, logger); err != nil {
		return err
	}

	waitForStopSignal()
	return svc.Logout(context.Background())
}

// login runs one interactive authorization flow via a local callback
// listener.
func login(svc *auth.Service, logger zerolog.Logger) error {
	done := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params := oauthmodel.CallbackParams{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
			AccessToken:      q.Get("access_token"),
			RefreshToken:     q.Get("refresh_token"),
		}
		ok, err := svc.HandleCallback(r.Context(), params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			done <- err
			return
		}
		if !ok {
			http.Error(w, "login failed", http.StatusBadRequest)
			done <- errors.New("login failed")
			return
		}
		fmt.Fprintln(w, "Login complete. You can close this window.")
		done <- nil
	})

	server := &http.Server{Addr: callbackAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			done <- err
		}
	}()
	defer shutdown(server)

	if err := svc.InitiateLogin(context.Background(), "", ""); err != nil {
		return fmt.Errorf("initiate login: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Minute):
		return errors.New("login timed out")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

// terminalNavigator maps the browser navigations onto a terminal: external
// URLs open in the system browser, in-app routes are logged.
type terminalNavigator struct {
	log zerolog.Logger
}

func (n *terminalNavigator) OpenExternal(url string) {
	n.log.Info().Str("url", url).Msg("open this URL to sign in")
	for _, opener := range []string{"xdg-open", "open"} {
		if _, err := exec.LookPath(opener); err == nil {
			_ = exec.Command(opener, url).Start()
			return
		}
	}
}

func (n *terminalNavigator) Navigate(path string) {
	n.log.Info().Str("route", path).Msg("navigate")
}
