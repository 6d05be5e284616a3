package google

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const callbackPage = `<html>
<head><title>DoorwAI</title></head>
<body style="font-family: sans-serif; text-align: center; padding: 50px;">
<h1>Signed in</h1>
<p>You can close this tab and return to the terminal.</p>
</body>
</html>`

// waitForCallback serves the OAuth redirect on localhost and returns the
// authorization code once the provider redirects back, or an error if the
// state mismatches, the provider reports an error, or ctx ends first.
func (r *Resolver) waitForCallback(ctx context.Context, expectedState string) (string, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	router := chi.NewRouter()
	router.Get("/oauth/callback", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()

		if q.Get("state") != expectedState {
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- fmt.Errorf("callback returned an unexpected state")
			return
		}
		if errStr := q.Get("error"); errStr != "" {
			http.Error(w, "auth failed: "+errStr, http.StatusBadRequest)
			errCh <- fmt.Errorf("provider reported: %s", errStr)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "no code received", http.StatusBadRequest)
			errCh <- fmt.Errorf("callback carried no authorization code")
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, callbackPage)
		codeCh <- code
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", r.cfg.CallbackPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case code := <-codeCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return code, nil
	case err := <-errCh:
		server.Close()
		return "", err
	case <-ctx.Done():
		server.Close()
		return "", ctx.Err()
	}
}
