// Package web renders the server-side pages: landing, login, companies, logout.
package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"portal/cmd/internal/auth/credential"
	"portal/cmd/internal/auth/guard"
	"portal/cmd/internal/auth/session"
	"portal/cmd/internal/directus"
)

//go:embed templates/*.html
var templateFS embed.FS

// CompaniesCollection is the Directus collection listed on the companies page.
const CompaniesCollection = "companies"

const maxFormBytes = 64 << 10

// ItemsFetcher reads collection items with the caller's access token.
type ItemsFetcher interface {
	Items(ctx context.Context, accessToken, collection string) ([]json.RawMessage, error)
}

// LoginThrottle gates sign-in attempts by client and email.
type LoginThrottle interface {
	Allow(r *http.Request, email string) (bool, time.Duration)
	Failed(r *http.Request, email string)
	Succeeded(email string)
}

// Handler serves the HTML pages.
type Handler struct {
	log      *slog.Logger
	svc      *session.Service
	items    ItemsFetcher
	paths    guard.Config
	tmpl     *template.Template
	throttle LoginThrottle
}

// Option configures optional page handler dependencies.
type Option func(*Handler)

// WithLoginThrottle makes the sign-in form consult t.
func WithLoginThrottle(t LoginThrottle) Option {
	return func(h *Handler) { h.throttle = t }
}

// NewHandler parses the embedded templates and constructs a Handler.
func NewHandler(log *slog.Logger, svc *session.Service, items ItemsFetcher, paths guard.Config, opts ...Option) (*Handler, error) {
	if svc == nil || items == nil {
		return nil, errors.New("web: nil dependency")
	}
	if log == nil {
		log = slog.Default()
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("web: parse templates: %w", err)
	}
	def := guard.DefaultConfig()
	if paths.LoginPath == "" {
		paths.LoginPath = def.LoginPath
	}
	if paths.LandingPath == "" {
		paths.LandingPath = def.LandingPath
	}
	h := &Handler{log: log, svc: svc, items: items, paths: paths, tmpl: tmpl}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register mounts the pages on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get(h.paths.LoginPath, h.handleLoginForm)
	r.Post(h.paths.LoginPath, h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/companies", h.handleCompanies)
}

type page struct {
	Title         string
	Authenticated bool
}

type indexPage struct {
	page
	State     string
	ExpiresAt string
}

type loginPage struct {
	page
	Email    string
	Callback string
	Notice   string
	Error    string
}

type company struct {
	ID   string
	Name string
}

type companiesPage struct {
	page
	Companies []company
	Error     string
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := h.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		h.log.ErrorContext(r.Context(), "web.render.fail", slog.String("template", name), slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	p := indexPage{page: page{Title: "Home"}, State: session.Anonymous.String()}

	if out, ok := guard.OutcomeFrom(r.Context()); ok {
		st := h.svc.StatusOf(out.Credential, out.Authenticated)
		p.State = out.State.String()
		p.Authenticated = out.Authenticated
		if out.Authenticated && !st.ExpiresAt.IsZero() {
			p.ExpiresAt = st.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	h.render(w, r, http.StatusOK, "index", p)
}

func (h *Handler) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := loginPage{
		page:     page{Title: "Sign in"},
		Callback: guard.SafeCallback(q.Get("callbackUrl"), h.paths.LandingPath),
	}
	if q.Get("error") == guard.CodeSessionExpired {
		p.Notice = "Your session has expired. Please sign in again."
	}
	h.render(w, r, http.StatusOK, "login", p)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "login", loginPage{page: page{Title: "Sign in"}, Error: "Invalid request."})
		return
	}

	email := strings.TrimSpace(r.PostForm.Get("email"))
	p := loginPage{
		page:     page{Title: "Sign in"},
		Email:    email,
		Callback: guard.SafeCallback(r.PostForm.Get("callbackUrl"), h.paths.LandingPath),
	}

	store, ok := credential.StoreFromContext(r.Context())
	if !ok {
		h.log.ErrorContext(r.Context(), "web.store.missing")
		p.Error = "Sign in is unavailable right now."
		h.render(w, r, http.StatusInternalServerError, "login", p)
		return
	}

	if h.throttle != nil && email != "" {
		if ok, retry := h.throttle.Allow(r, email); !ok {
			h.log.WarnContext(r.Context(), "web.login.rate_limited", slog.Duration("retry_after", retry))
			if secs := int64((retry + time.Second - 1) / time.Second); secs > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			}
			p.Error = "Too many sign-in attempts. Please try again later."
			h.render(w, r, http.StatusTooManyRequests, "login", p)
			return
		}
	}

	err := h.svc.Login(r.Context(), store, email, r.PostForm.Get("password"))
	switch {
	case err == nil:
		if h.throttle != nil {
			h.throttle.Succeeded(email)
		}
		http.Redirect(w, r, p.Callback, http.StatusSeeOther)
	case errors.Is(err, session.ErrMissingCredentials):
		p.Error = "Email and password are required."
		h.render(w, r, http.StatusBadRequest, "login", p)
	case errors.Is(err, directus.ErrGatewayUnavailable):
		p.Error = "Sign in is unavailable right now. Please try again shortly."
		h.render(w, r, http.StatusServiceUnavailable, "login", p)
	default:
		if h.throttle != nil && errors.Is(err, directus.ErrInvalidCredentials) {
			h.throttle.Failed(r, email)
		}
		p.Error = "Invalid email or password."
		h.render(w, r, http.StatusUnauthorized, "login", p)
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if store, ok := credential.StoreFromContext(r.Context()); ok {
		if err := h.svc.Logout(r.Context(), store); err != nil {
			h.log.ErrorContext(r.Context(), "web.logout.fail", slog.Any("err", err))
		}
	}
	http.Redirect(w, r, h.paths.LoginPath, http.StatusSeeOther)
}

func (h *Handler) handleCompanies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred, ok := credential.FromContext(ctx)
	if !ok {
		http.Redirect(w, r, h.loginRedirect(r.URL.Path, false), http.StatusFound)
		return
	}

	p := companiesPage{page: page{Title: "Companies", Authenticated: true}}
	raw, err := h.items.Items(ctx, cred.AccessToken, CompaniesCollection)
	switch {
	case err == nil:
		p.Companies = decodeCompanies(raw)
		h.render(w, r, http.StatusOK, "companies", p)
	case errors.Is(err, directus.ErrUnauthorized):
		if store, ok := credential.StoreFromContext(ctx); ok {
			if cerr := store.Clear(context.WithoutCancel(ctx)); cerr != nil {
				h.log.ErrorContext(ctx, "web.companies.clear_failed", slog.Any("err", cerr))
			}
		}
		h.log.InfoContext(ctx, "web.companies.unauthorized")
		http.Redirect(w, r, h.loginRedirect(r.URL.Path, true), http.StatusFound)
	default:
		h.log.WarnContext(ctx, "web.companies.fetch_failed",
			slog.Int("provider_status", directus.StatusOf(err)),
			slog.Any("err", err),
		)
		p.Error = "Companies could not be loaded. Please try again."
		h.render(w, r, http.StatusBadGateway, "companies", p)
	}
}

func (h *Handler) loginRedirect(callback string, expired bool) string {
	q := url.Values{}
	q.Set("callbackUrl", callback)
	if expired {
		q.Set("error", guard.CodeSessionExpired)
	}
	return h.paths.LoginPath + "?" + q.Encode()
}

func decodeCompanies(raw []json.RawMessage) []company {
	out := make([]company, 0, len(raw))
	for _, item := range raw {
		var m map[string]any
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			continue
		}
		c := company{}
		if v, ok := m["id"]; ok && v != nil {
			c.ID = fmt.Sprint(v)
		}
		if v, ok := m["name"].(string); ok {
			c.Name = v
		} else {
			c.Name = "Company " + c.ID
		}
		out = append(out, c)
	}
	return out
}
