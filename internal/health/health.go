package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// Status — состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

// Check — результат проверки одного компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report — сводный отчёт /healthz.
type Report struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// failing возвращает отсортированные имена упавших критичных проверок.
func (r Report) failing() []string {
	var names []string
	for name, check := range r.Checks {
		if check.Critical && check.Status == StatusUnhealthy {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Checker проверяет один компонент: хранилище, брокер, каталог.
type Checker interface {
	Check(ctx context.Context) Check
}

// CheckFunc превращает функцию в Checker: ошибка означает unhealthy.
type CheckFunc func(ctx context.Context) error

// Check вызывает функцию и замеряет время.
func (f CheckFunc) Check(ctx context.Context) Check {
	started := time.Now()
	err := f(ctx)
	check := Check{Status: StatusHealthy, DurationMs: time.Since(started).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

type entry struct {
	name     string
	checker  Checker
	critical bool
}

// Option настраивает Handler.
type Option func(*Handler)

// WithCheckTimeout ограничивает время каждой проверки.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// Handler собирает проверки компонентов и отдаёт их по HTTP.
type Handler struct {
	mu      sync.RWMutex
	entries []entry
	version string
	timeout time.Duration
	started time.Time
	now     func() time.Time
}

// NewHandler создаёт handler без проверок: пустой набор считается healthy.
func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		version: version,
		timeout: defaultCheckTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// RegisterChecker добавляет критичную проверку: её отказ снимает готовность.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.register(entry{name: name, checker: checker, critical: true})
}

// RegisterOptionalChecker добавляет проверку, отказ которой только понижает статус до degraded.
func (h *Handler) RegisterOptionalChecker(name string, checker Checker) {
	h.register(entry{name: name, checker: checker})
}

// register заменяет проверку с тем же именем.
func (h *Handler) register(e entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i := slices.IndexFunc(h.entries, func(old entry) bool { return old.name == e.name }); i >= 0 {
		h.entries[i] = e
		return
	}
	h.entries = append(h.entries, e)
}

// Run выполняет проверки параллельно, у каждой свой timeout.
func (h *Handler) Run(ctx context.Context) Report {
	h.mu.RLock()
	entries := slices.Clone(h.entries)
	h.mu.RUnlock()

	results := make([]Check, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.runOne(ctx, e)
		}()
	}
	wg.Wait()

	report := Report{
		Status:        StatusHealthy,
		Timestamp:     h.now().UTC(),
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	}
	for _, check := range results {
		report.Checks[check.Name] = check
		switch {
		case check.Status == StatusHealthy:
		case check.Critical && check.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

func (h *Handler) runOne(ctx context.Context, e entry) Check {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	check := e.checker.Check(ctx)
	check.Name = e.name
	check.Critical = e.critical
	return check
}

// ServeHTTP отдаёт JSON-отчёт; 503 только при отказе критичной проверки.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Run(r.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// ReadinessHandler отвечает "ready" или "not ready" со списком упавших критичных проверок.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	failing := h.Run(r.Context()).failing()
	if len(failing) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(strings.Join(append([]string{"not ready"}, failing...), " ")))
}

// LivenessHandler отвечает 200, пока процесс обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
