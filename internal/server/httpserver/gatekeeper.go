package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/auth"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/services"
)

// Downloads is the business side of the gatekeeper.
type Downloads interface {
	Resolve(ctx context.Context, token string) (*models.FileRecord, error)
	Authorize(rec *models.FileRecord, id *auth.Identity) error
	Prepare(ctx context.Context, rec *models.FileRecord, userID string) (*services.Prepared, error)
}

// Gatekeeper intercepts requests carrying a download token and answers them
// with the decrypted archive or an error. Requests without a token pass through.
type Gatekeeper struct {
	downloads Downloads
	secret    []byte
	loginURL  string
	logger    logging.Logger
}

func NewGatekeeper(d Downloads, secretKey, loginURL string, l logging.Logger) *Gatekeeper {
	return &Gatekeeper{
		downloads: d,
		secret:    []byte(secretKey),
		loginURL:  loginURL,
		logger:    l.With("module", "gatekeeper"),
	}
}

// statusFor maps a gatekeeper error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrNotReady):
		return http.StatusAccepted
	case errors.Is(err, common.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// identity reads the session JWT from a bearer header or the session cookie.
func (g *Gatekeeper) identity(r *http.Request) *auth.Identity {
	raw := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	} else if c, err := r.Cookie(common.SessionCookieName); err == nil {
		raw = c.Value
	}
	if raw == "" {
		return nil
	}
	id, err := auth.ParseToken(raw, g.secret)
	if err != nil {
		g.logger.Debug(r.Context(), "session rejected", "error", err)
		return nil
	}
	return id
}

// loginRedirect builds the login URL that returns the user to the download.
func (g *Gatekeeper) loginRedirect(token string) string {
	back := "/?" + url.Values{common.DownloadTokenParam: {token}}.Encode()
	u, err := url.Parse(g.loginURL)
	if err != nil {
		return "/login?" + url.Values{common.RedirectParam: {back}}.Encode()
	}
	q := u.Query()
	q.Set(common.RedirectParam, back)
	u.RawQuery = q.Encode()
	return u.String()
}

func (g *Gatekeeper) fail(w http.ResponseWriter, r *http.Request, err error) {
	var de *common.DownloadError
	if !errors.As(err, &de) {
		de = common.NewDownloadError(common.CodeStore, common.ErrorInternal, "The download is temporarily unavailable.", err)
	}
	status := statusFor(de)
	if status >= http.StatusInternalServerError {
		g.logger.Error(r.Context(), "download failed", "code", de.Code, "error", de)
	} else {
		g.logger.Info(r.Context(), "download refused", "code", de.Code, "status", status)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, de.UserMessage(), status)
}

// Middleware wraps next with the download gate.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get(common.DownloadTokenParam)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		g.serve(w, r, token)
	})
}

func (g *Gatekeeper) serve(w http.ResponseWriter, r *http.Request, token string) {
	ctx := r.Context()

	rec, err := g.downloads.Resolve(ctx, token)
	if err != nil {
		g.fail(w, r, err)
		return
	}

	id := g.identity(r)
	if err := g.downloads.Authorize(rec, id); err != nil {
		if errors.Is(err, common.ErrorUnauthorized) {
			http.Redirect(w, r, g.loginRedirect(token), http.StatusFound)
			return
		}
		g.fail(w, r, err)
		return
	}

	p, err := g.downloads.Prepare(ctx, rec, id.UserID)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	defer func() {
		if err := p.Close(); err != nil {
			g.logger.Warn(ctx, "failed to remove scratch file", "file_id", rec.ID, "error", err)
		}
	}()

	h := w.Header()
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Length", strconv.FormatInt(p.Size, 10))
	h.Set("Content-Disposition", `attachment; filename="`+p.Name+`"`)
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, p.File)
	if err != nil {
		g.logger.Warn(ctx, "download interrupted", "file_id", rec.ID, "written", n, "error", err)
		return
	}
	g.logger.Info(ctx, "download served", "file_id", rec.ID, "user_id", id.UserID, "bytes", n)
}
