// Package sandbox runs user-supplied script modules in isolation. Each
// script gets its own goja runtime, drawing surface and capability object;
// the host talks to the sandbox only through commands and receives only
// surface frames, error reports and audio triggers.
package sandbox

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/domain"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// Sink receives everything the sandbox emits. Methods are called from the
// runtime goroutine and must not block.
type Sink interface {
	// ScriptFrame delivers an immutable copy of a script's surface. A nil
	// frame means the script is gone and its layer must be dropped.
	ScriptFrame(id string, frame *image.RGBA)
	ScriptError(report domain.ScriptError)
	AudioTrigger(trigger domain.AudioTrigger)
}

type Config struct {
	Channel string
	// Origin is the host origin; requests to it are always allowed.
	Origin             string
	TickInterval       time.Duration
	TickBudget         time.Duration
	SharedDependencies []string
	Loader             SourceLoader
	HTTPClient         *http.Client
	FetchTimeout       time.Duration
	FetchRate          rate.Limit
	FetchBurst         int
	MaxResponseBytes   int64
	Clock              clockwork.Clock
	Metrics            *metrics.SandboxMetrics
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second / 60
	}
	if c.TickBudget <= 0 {
		c.TickBudget = 50 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.FetchRate <= 0 {
		c.FetchRate = 5
	}
	if c.FetchBurst <= 0 {
		c.FetchBurst = 10
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 1 << 20
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// AddRequest carries everything needed to start a script instance.
type AddRequest struct {
	ID             string
	Source         string
	Width          int
	Height         int
	Attachments    []domain.Attachment
	AllowedDomains []string
}

// Status describes one script instance.
type Status struct {
	ID      string `json:"id"`
	Phase   string `json:"phase"`
	HasInit bool   `json:"hasInit"`
	HasTick bool   `json:"hasTick"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

type runtimeCmd interface{ isRuntimeCmd() }

type baseRuntimeCmd struct{}

func (baseRuntimeCmd) isRuntimeCmd() {}

type addCmd struct {
	baseRuntimeCmd
	req AddRequest
}

type removeCmd struct {
	baseRuntimeCmd
	id string
}

type attachmentsCmd struct {
	baseRuntimeCmd
	id          string
	attachments []domain.Attachment
	domains     []string
}

type resizeCmd struct {
	baseRuntimeCmd
	width, height int
}

type chatCmd struct {
	baseRuntimeCmd
	messages []domain.ChatMessage
}

type emotesCmd struct {
	baseRuntimeCmd
	emotes []domain.Emote
}

type settleCmd struct {
	baseRuntimeCmd
	inst   *instance
	settle func()
}

type statusCmd struct {
	baseRuntimeCmd
	reply chan []Status
}

type stopCmd struct {
	baseRuntimeCmd
}

// Runtime is the sandbox actor. All script code runs on its goroutine, one
// call at a time.
type Runtime struct {
	cfg    Config
	sink   Sink
	clock  clockwork.Clock
	origin *url.URL
	deps   *dependencies

	cmdCh  chan runtimeCmd
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the runtime goroutine.
	instances map[string]*instance
	order     []string
	reporter  *reporter
	ticker    clockwork.Ticker
	startedAt time.Time
	lastTick  time.Time
	chat      []domain.ChatMessage
	emotes    []domain.Emote
	shared    map[string]struct{}
	width     int
	height    int
}

// New starts a runtime. Shared dependencies are prefetched in the
// background.
func New(cfg Config, sink Sink) (*Runtime, error) {
	cfg.defaults()
	var origin *url.URL
	if cfg.Origin != "" {
		u, err := url.Parse(cfg.Origin)
		if err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("invalid sandbox origin %q", cfg.Origin)
		}
		origin = u
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:       cfg,
		sink:      sink,
		clock:     cfg.Clock,
		origin:    origin,
		deps:      newDependencies(origin, cfg.SharedDependencies, cfg.Loader, cfg.FetchTimeout),
		cmdCh:     make(chan runtimeCmd, 256),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*instance),
		reporter:  newReporter(),
		shared:    make(map[string]struct{}),
	}

	go func() {
		if err := r.deps.prefetch(ctx); err != nil {
			slog.Warn("Shared script dependencies not fully prefetched", "error", err)
		}
	}()
	go r.run()
	return r, nil
}

func (r *Runtime) send(cmd runtimeCmd) {
	select {
	case r.cmdCh <- cmd:
	case <-r.done:
	}
}

// AddScript starts a script instance, replacing any instance with the same id.
func (r *Runtime) AddScript(req AddRequest) { r.send(addCmd{req: req}) }

// RemoveScript deletes the instance. The sink receives a nil frame for it.
func (r *Runtime) RemoveScript(id string) { r.send(removeCmd{id: id}) }

// UpdateAttachments refreshes a running instance's attachments and allowed
// domains without resetting its state.
func (r *Runtime) UpdateAttachments(id string, attachments []domain.Attachment, allowedDomains []string) {
	r.send(attachmentsCmd{id: id, attachments: slices.Clone(attachments), domains: slices.Clone(allowedDomains)})
}

// Resize propagates new surface dimensions to every instance.
func (r *Runtime) Resize(width, height int) { r.send(resizeCmd{width: width, height: height}) }

func (r *Runtime) UpdateChat(messages []domain.ChatMessage) {
	r.send(chatCmd{messages: slices.Clone(messages)})
}

func (r *Runtime) UpdateEmotes(emotes []domain.Emote) {
	r.send(emotesCmd{emotes: slices.Clone(emotes)})
}

// Status returns a snapshot of every instance.
func (r *Runtime) Status(ctx context.Context) ([]Status, error) {
	reply := make(chan []Status, 1)
	r.send(statusCmd{reply: reply})

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case st := <-reply:
		return st, nil
	case <-r.done:
		return nil, fmt.Errorf("script runtime stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.Chan():
		return nil, fmt.Errorf("status command timed out after %v", commandTimeout)
	}
}

// Stop removes every instance and waits for the runtime goroutine to exit.
func (r *Runtime) Stop() {
	r.send(stopCmd{})
	r.cancel()

	timeout := r.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-r.done:
		slog.Info("Script runtime stopped")
	case <-timeout.Chan():
		slog.Warn("Script runtime stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (r *Runtime) run() {
	defer close(r.done)
	for !r.loop() {
	}
}

// loop processes commands until stopped. It returns false after recovering
// from a panic so run can resume.
func (r *Runtime) loop() (stopped bool) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Script runtime panic recovered", "panic", p)
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.Panics.Inc()
			}
			stopped = false
		}
	}()

	for {
		var tickC <-chan time.Time
		if r.ticker != nil {
			tickC = r.ticker.Chan()
		}

		select {
		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case addCmd:
				r.handleAdd(c.req)
			case removeCmd:
				r.handleRemove(c.id)
			case attachmentsCmd:
				r.handleAttachments(c)
			case resizeCmd:
				r.handleResize(c.width, c.height)
			case chatCmd:
				r.chat = c.messages
				r.refreshShared()
			case emotesCmd:
				r.emotes = c.emotes
				r.refreshShared()
			case settleCmd:
				r.handleSettle(c)
			case statusCmd:
				c.reply <- r.status()
			case stopCmd:
				r.handleStop()
				return true
			default:
				slog.Warn("Script runtime received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case now := <-tickC:
			r.handleTick(now)
		}
	}
}

func (r *Runtime) handleAdd(req AddRequest) {
	if req.ID == "" {
		return
	}
	if _, ok := r.instances[req.ID]; ok {
		r.handleRemove(req.ID)
	}
	if req.Width > 0 && req.Height > 0 {
		r.width, r.height = req.Width, req.Height
	}

	in := newInstance(r, req)
	r.instances[req.ID] = in
	r.order = append(r.order, req.ID)
	r.setInstancesGauge()
	if r.ticker == nil {
		now := r.clock.Now()
		r.ticker = r.clock.NewTicker(r.cfg.TickInterval)
		r.startedAt, r.lastTick = now, now
	}

	in.start(req.Source)
	r.flush(in)
	slog.Info("Script instance added", "script_id", req.ID, "phase", in.phase.String())
}

func (r *Runtime) handleRemove(id string) {
	in, ok := r.instances[id]
	if !ok {
		return
	}
	in.close()
	delete(r.instances, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	r.reporter.forget(id)
	r.sink.ScriptFrame(id, nil)
	r.setInstancesGauge()

	if len(r.instances) == 0 && r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	slog.Info("Script instance removed", "script_id", id)
}

func (r *Runtime) handleAttachments(c attachmentsCmd) {
	in, ok := r.instances[c.id]
	if !ok {
		return
	}
	in.setAttachments(c.attachments, c.domains)
}

func (r *Runtime) handleResize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	r.width, r.height = width, height
	for _, id := range r.order {
		in := r.instances[id]
		in.surface.resize(width, height)
		r.flush(in)
	}
}

func (r *Runtime) handleSettle(c settleCmd) {
	if r.instances[c.inst.id] != c.inst {
		return
	}
	if err := c.inst.call(func() error {
		c.settle()
		return nil
	}); err != nil {
		r.report(c.inst.id, domain.StageFetch, err)
	}
	r.flush(c.inst)
}

func (r *Runtime) handleTick(now time.Time) {
	start := r.clock.Now()
	elapsed := now.Sub(r.startedAt)
	delta := now.Sub(r.lastTick)
	r.lastTick = now

	for _, id := range r.order {
		in := r.instances[id]
		if in.phase != phaseRunning || in.tick == nil {
			continue
		}
		in.runTick(elapsed, delta)
		r.flush(in)
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.TickDuration.Observe(r.clock.Since(start).Seconds())
	}
}

func (r *Runtime) handleStop() {
	ids := slices.Clone(r.order)
	slog.Info("Script runtime shutting down", "instances", len(ids))
	for _, id := range ids {
		r.handleRemove(id)
	}
}

func (r *Runtime) flush(in *instance) {
	if frame, ok := in.surface.snapshot(); ok {
		r.sink.ScriptFrame(in.id, frame)
	}
}

func (r *Runtime) refreshShared() {
	emoteURLs := make([]string, 0, len(r.emotes))
	for _, e := range r.emotes {
		emoteURLs = append(emoteURLs, e.URL)
	}
	r.shared = knownSet(r.origin, domain.MediaURLs(r.chat), emoteURLs)
	for _, id := range r.order {
		r.instances[id].setChat(r.chat, r.emotes)
	}
}

func (r *Runtime) isShared(key string) bool {
	_, ok := r.shared[key]
	return ok
}

// report forwards a script error once per distinct (script, stage, message).
func (r *Runtime) report(id string, stage domain.Stage, err error) {
	msg := errorMessage(err)
	if !r.reporter.first(id, stage, msg) {
		slog.Debug("Suppressed repeated script error", "script_id", id, "stage", string(stage), "error", msg)
		return
	}
	slog.Warn("Script error", "script_id", id, "stage", string(stage), "error", msg)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Errors.WithLabelValues(string(stage)).Inc()
	}
	r.sink.ScriptError(domain.ScriptError{ScriptID: id, Stage: stage, Message: msg, At: r.clock.Now()})
}

func (r *Runtime) status() []Status {
	out := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		in := r.instances[id]
		out = append(out, Status{
			ID:      id,
			Phase:   in.phase.String(),
			HasInit: in.init != nil,
			HasTick: in.tick != nil,
			Width:   in.surface.width(),
			Height:  in.surface.height(),
		})
	}
	return out
}

func (r *Runtime) setInstancesGauge() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Instances.Set(float64(len(r.instances)))
	}
}
