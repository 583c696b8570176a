package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/apperr"
	"github.com/echocal/echocal-go/internal/util"
)

// LoopbackReceiver completes the authorization code flow by opening the
// system browser and listening for the redirect on a loopback address, per
// the native-app OAuth pattern (RFC 8252). No web view is embedded.
type LoopbackReceiver struct {
	addr    string
	openURL func(string) error
}

func NewLoopbackReceiver(addr string) *LoopbackReceiver {
	return &LoopbackReceiver{addr: addr, openURL: openBrowser}
}

type codeResult struct {
	code string
	err  error
}

func (r *LoopbackReceiver) Receive(ctx context.Context, authURL, state string) (string, error) {
	results := make(chan codeResult, 1)

	router := chi.NewRouter()
	router.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()

		if errCode := q.Get("error"); errCode != "" {
			deliver(results, codeResult{err: mapProviderErrorCode(errCode)})
			fmt.Fprint(w, "Sign-in was not completed. You can close this window.")
			return
		}
		if !util.ConstantTimeEqual(q.Get("state"), state) {
			deliver(results, codeResult{err: apperr.TokenExchangeFailed(ErrInvalidState)})
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			deliver(results, codeResult{err: apperr.TokenExchangeFailed(fmt.Errorf("callback carried no code"))})
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		deliver(results, codeResult{code: code})
		fmt.Fprint(w, "Signed in. You can close this window and return to EchoCal.")
	})

	listener, err := net.Listen("tcp", r.addr)
	if err != nil {
		return "", apperr.Internal(fmt.Sprintf("loopback listener on %s: %v", r.addr, err))
	}

	server := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error().Err(serveErr).Msg("loopback callback server error")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := r.openURL(authURL); err != nil {
		return "", apperr.Internal(fmt.Sprintf("open browser: %v", err))
	}

	select {
	case res := <-results:
		return res.code, res.err
	case <-ctx.Done():
		// Exactly one completion per request: an abandoned consent window
		// resolves as a cancellation, never as a hang.
		return "", apperr.UserCanceled()
	}
}

// deliver keeps only the first completion; duplicate callbacks are dropped.
func deliver(ch chan codeResult, res codeResult) {
	select {
	case ch <- res:
	default:
	}
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
