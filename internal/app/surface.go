package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/compositor"
	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/media"
	"github.com/imgfloat/server-sub000/internal/registry"
	"github.com/imgfloat/server-sub000/internal/sandbox"
	"github.com/imgfloat/server-sub000/internal/visibility"
)

const (
	commandTimeout       = 5 * time.Second
	stopTimeout          = 10 * time.Second
	defaultSourceTimeout = 15 * time.Second
	frameNotifyInterval  = time.Second
)

// ErrSurfaceStopped is returned by queries issued after Stop.
var ErrSurfaceStopped = errors.New("surface stopped")

// MediaCache resolves visual assets to drawable handles.
type MediaCache interface {
	Ensure(a domain.Asset) (media.Handle, bool)
	Clear(id string)
	// Forget is Clear for deleted assets; it also drops remembered failures.
	Forget(id string)
}

// AudioPlayer owns audio playback for audio assets and script triggers.
type AudioPlayer interface {
	Apply(a domain.Asset) error
	Play(a domain.Asset) error
	Stop(id string)
	Clear(id string)
	Has(id string) bool
	Playing(id string) bool
	Interaction() int
	PlayOneShot(url string, volume float64) error
}

// ScriptRuntime is the command side of the script sandbox.
type ScriptRuntime interface {
	AddScript(req sandbox.AddRequest)
	RemoveScript(id string)
	UpdateAttachments(id string, attachments []domain.Attachment, allowedDomains []string)
	Resize(width, height int)
	UpdateChat(messages []domain.ChatMessage)
	UpdateEmotes(emotes []domain.Emote)
	Status(ctx context.Context) ([]sandbox.Status, error)
}

// SourceLoader fetches script source text.
type SourceLoader interface {
	Fetch(ctx context.Context, url string) (media.Resource, error)
}

type Config struct {
	Bounds        domain.Bounds
	Width         int
	Height        int
	Clock         clockwork.Clock
	Media         MediaCache
	Audio         AudioPlayer
	Sources       SourceLoader
	SourceTimeout time.Duration
	// Notifier is optional.
	Notifier domain.Notifier
	Metrics  *metrics.SurfaceMetrics
}

// AssetView is a read-only summary of one registered asset.
type AssetView struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	MediaURL  string           `json:"url"`
	MediaType string           `json:"mediaType,omitempty"`
	Hidden    bool             `json:"hidden"`
	Transform domain.Transform `json:"transform"`
	Alpha     float64          `json:"alpha"`
	Loaded    bool             `json:"loaded"`
}

// ScriptsView combines sandbox status with recent error reports.
type ScriptsView struct {
	Instances []sandbox.Status     `json:"instances"`
	Errors    []domain.ScriptError `json:"errors"`
	Pending   []string             `json:"pending"`
}

type surfaceCmd interface{ isSurfaceCmd() }

type baseSurfaceCmd struct{}

func (baseSurfaceCmd) isSurfaceCmd() {}

type eventCmd struct {
	baseSurfaceCmd
	ctx context.Context
	ev  domain.Event
}

type bootstrapCmd struct {
	baseSurfaceCmd
	assets []domain.AssetPatch
	reply  chan int
}

type sourceCmd struct {
	baseSurfaceCmd
	id     string
	gen    uint64
	source string
	err    error
}

type assetsCmd struct {
	baseSurfaceCmd
	reply chan []AssetView
}

type pendingCmd struct {
	baseSurfaceCmd
	reply chan []string
}

type stopCmd struct {
	baseSurfaceCmd
}

// scriptLoad tracks a script asset between "should run" and AddScript.
type scriptLoad struct {
	url     string
	gen     uint64
	running bool
}

// Surface is the broadcast surface actor. One goroutine owns the registry,
// the fade state and the compositor; everything else talks to it through
// commands.
type Surface struct {
	cfg   Config
	clock clockwork.Clock

	registry   *registry.Registry
	visibility *visibility.Synchronizer
	compositor *compositor.Compositor
	layer      *compositor.ScriptLayer
	scheduler  *compositor.Scheduler
	chat       *ChatStore
	errors     *ErrorLog
	scripts    ScriptRuntime

	cmdCh  chan surfaceCmd
	redraw chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the surface goroutine.
	loads      map[string]*scriptLoad
	gen        uint64
	lastNotify time.Time
}

// NewSurface builds a surface. It does not process commands until Start.
func NewSurface(cfg Config) *Surface {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = defaultSourceTimeout
	}
	width := cfg.Bounds.ClampCanvas(cfg.Width)
	height := cfg.Bounds.ClampCanvas(cfg.Height)

	ctx, cancel := context.WithCancel(context.Background())
	layer := compositor.NewScriptLayer()
	s := &Surface{
		cfg:        cfg,
		clock:      cfg.Clock,
		registry:   registry.New(),
		visibility: visibility.New(),
		compositor: compositor.New(width, height, layer),
		layer:      layer,
		chat:       NewChatStore(),
		errors:     NewErrorLog(defaultErrorLogSize),
		cmdCh:      make(chan surfaceCmd, 256),
		redraw:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		loads:      make(map[string]*scriptLoad),
	}
	s.scheduler = compositor.NewScheduler(cfg.Clock, cfg.Bounds.FrameInterval, s.postRedraw)
	return s
}

// Start begins processing commands. scripts receives script lifecycle
// commands; it is usually a *sandbox.Runtime built with ScriptSink.
func (s *Surface) Start(scripts ScriptRuntime) {
	s.scripts = scripts
	w, h := s.compositor.Size()
	scripts.Resize(w, h)
	go s.run()
}

func (s *Surface) send(cmd surfaceCmd) bool {
	select {
	case s.cmdCh <- cmd:
		return true
	case <-s.done:
		return false
	}
}

// Apply enqueues an inbound event. Events are applied in the order Apply is
// called.
func (s *Surface) Apply(ctx context.Context, ev domain.Event) {
	s.send(eventCmd{ctx: context.WithoutCancel(ctx), ev: ev})
}

// Bootstrap applies the bulk-fetched asset list and returns how many assets
// it registered.
func (s *Surface) Bootstrap(ctx context.Context, assets []domain.AssetPatch) (int, error) {
	reply := make(chan int, 1)
	if !s.send(bootstrapCmd{assets: assets, reply: reply}) {
		return 0, ErrSurfaceStopped
	}
	return await(ctx, s, reply, "bootstrap")
}

// Assets returns every registered asset, visual assets in render order
// first.
func (s *Surface) Assets(ctx context.Context) ([]AssetView, error) {
	reply := make(chan []AssetView, 1)
	if !s.send(assetsCmd{reply: reply}) {
		return nil, ErrSurfaceStopped
	}
	return await(ctx, s, reply, "assets")
}

// Scripts returns instance status and recent script errors.
func (s *Surface) Scripts(ctx context.Context) (ScriptsView, error) {
	reply := make(chan []string, 1)
	if !s.send(pendingCmd{reply: reply}) {
		return ScriptsView{}, ErrSurfaceStopped
	}
	pending, err := await(ctx, s, reply, "scripts")
	if err != nil {
		return ScriptsView{}, err
	}
	status, err := s.scripts.Status(ctx)
	if err != nil {
		return ScriptsView{}, fmt.Errorf("script status: %w", err)
	}
	return ScriptsView{Instances: status, Errors: s.errors.Recent(), Pending: pending}, nil
}

func await[T any](ctx context.Context, s *Surface, reply chan T, name string) (T, error) {
	var zero T
	timer := s.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return zero, ErrSurfaceStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.Chan():
		return zero, fmt.Errorf("%s command timed out after %v", name, commandTimeout)
	}
}

// Interaction forwards a user interaction signal to the audio controller and
// returns how many queued playbacks were retried.
func (s *Surface) Interaction() int {
	n := s.cfg.Audio.Interaction()
	if s.cfg.Metrics != nil && n > 0 {
		s.cfg.Metrics.AudioRetries.Add(float64(n))
	}
	return n
}

// RequestRedraw asks for a frame. It never blocks and is safe from any
// goroutine.
func (s *Surface) RequestRedraw() {
	s.scheduler.Request()
}

// EncodeFrame writes the latest composited frame as PNG.
func (s *Surface) EncodeFrame(w io.Writer) error {
	return s.compositor.EncodePNG(w)
}

// FrameSize returns the current canvas size.
func (s *Surface) FrameSize() (int, int) {
	return s.compositor.Size()
}

// Stop clears every asset and waits for the surface goroutine to exit.
func (s *Surface) Stop() {
	s.send(stopCmd{})
	s.cancel()
	s.scheduler.Stop()

	timeout := s.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-s.done:
		slog.Info("Surface stopped")
	case <-timeout.Chan():
		slog.Warn("Surface stop timeout exceeded", "timeout", stopTimeout)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.StopTimeouts.Inc()
		}
	}
}

func (s *Surface) postRedraw() {
	select {
	case s.redraw <- struct{}{}:
	default:
	}
}

func (s *Surface) run() {
	defer close(s.done)
	for !s.loop() {
	}
}

// loop processes commands until stopped. It returns false after recovering
// from a panic so run can resume.
func (s *Surface) loop() (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Surface panic recovered", "panic", r)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.Panics.Inc()
			}
			stopped = false
		}
	}()

	depthTicker := s.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(s.cmdCh)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.CommandDepth.Set(float64(depth))
			}
			if depth > 200 {
				slog.Warn("Surface command channel near capacity", "depth", depth, "capacity", cap(s.cmdCh))
			}

		case cmd := <-s.cmdCh:
			switch c := cmd.(type) {
			case eventCmd:
				s.handleEvent(c.ctx, c.ev)
			case bootstrapCmd:
				c.reply <- s.handleBootstrap(c.assets)
			case sourceCmd:
				s.handleSource(c)
			case assetsCmd:
				c.reply <- s.assetViews()
			case pendingCmd:
				c.reply <- s.pendingScripts()
			case stopCmd:
				s.handleStop()
				return true
			default:
				slog.Warn("Surface received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}

		case <-s.redraw:
			s.draw()
		}
	}
}

func (s *Surface) handleEvent(ctx context.Context, ev domain.Event) {
	result := "applied"
	switch e := ev.(type) {
	case domain.CanvasResize:
		if !e.Valid() {
			slog.DebugContext(ctx, "Dropping invalid canvas size", "width", e.Width, "height", e.Height)
			result = "dropped"
			break
		}
		s.resize(e.Width, e.Height)

	case domain.Deleted:
		if !s.remove(e.AssetID) {
			slog.DebugContext(ctx, "Delete for unknown asset", "asset_id", e.AssetID)
			result = "dropped"
		}

	case domain.FullPayload:
		if e.Asset.ID == "" {
			result = "dropped"
			break
		}
		placement := registry.PlacementAppend
		if e.Prepend {
			placement = registry.PlacementPrepend
		}
		a, _ := s.registry.Upsert(e.Asset, placement)
		if e.Asset.Order != nil {
			s.registry.MoveToOrder(a.ID, *e.Asset.Order)
		}
		if a.Hidden {
			s.deactivate(a)
		} else {
			s.activate(ctx, a, e.Asset, true)
		}

	case domain.Visibility:
		if e.Asset.ID == "" {
			result = "dropped"
			break
		}
		p := e.Asset
		hidden := e.Hidden
		p.Hidden = &hidden
		placement := registry.PlacementKeep
		if !s.registry.Has(p.ID) {
			placement = registry.PlacementAppend
		}
		a, _ := s.registry.Upsert(p, placement)
		if hidden {
			s.visibility.Hide(a.ID)
			s.deactivate(a)
		} else {
			s.activate(ctx, a, p, true)
		}

	case domain.Patch:
		if !s.registry.Has(e.Patch.ID) {
			slog.DebugContext(ctx, "Patch for unknown asset", "asset_id", e.Patch.ID)
			result = "dropped"
			break
		}
		a, _ := s.registry.Upsert(e.Patch, registry.PlacementKeep)
		if e.Patch.Order != nil {
			s.registry.MoveToOrder(a.ID, *e.Patch.Order)
		}
		switch {
		case a.Hidden && e.Patch.Hidden != nil:
			s.visibility.Hide(a.ID)
			s.deactivate(a)
		case a.Hidden:
		default:
			s.activate(ctx, a, e.Patch, e.Patch.Hidden != nil)
		}

	case domain.Play:
		if e.Asset.ID == "" {
			result = "dropped"
			break
		}
		placement := registry.PlacementKeep
		if !s.registry.Has(e.Asset.ID) {
			placement = registry.PlacementAppend
		}
		a, _ := s.registry.Upsert(e.Asset, placement)
		if a.Kind != domain.KindAudio {
			slog.DebugContext(ctx, "Play for non-audio asset", "asset_id", a.ID, "kind", a.Kind.String())
			result = "dropped"
			break
		}
		if e.Play {
			if err := s.cfg.Audio.Play(a); err != nil {
				slog.WarnContext(ctx, "Audio playback failed", "asset_id", a.ID, "error", err)
			}
		} else {
			s.cfg.Audio.Stop(a.ID)
		}

	case domain.ChatSnapshot:
		s.scripts.UpdateChat(s.chat.Replace(e.Messages))

	case domain.EmoteCatalog:
		s.scripts.UpdateEmotes(s.chat.SetEmotes(e.Emotes))

	default:
		slog.WarnContext(ctx, "Surface received unknown event type", "event_type", fmt.Sprintf("%T", ev))
		result = "unknown"
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Events.WithLabelValues(EventName(ev), result).Inc()
		s.cfg.Metrics.Assets.Set(float64(s.registry.Len()))
	}
	s.scheduler.Request()
}

func (s *Surface) handleBootstrap(assets []domain.AssetPatch) int {
	ctx := context.Background()
	n := 0
	for _, p := range assets {
		if p.ID == "" {
			continue
		}
		s.handleEvent(ctx, domain.FullPayload{Asset: p})
		n++
	}
	slog.Info("Surface bootstrapped", "assets", n)
	return n
}

func (s *Surface) resize(width, height int) {
	width = s.cfg.Bounds.ClampCanvas(width)
	height = s.cfg.Bounds.ClampCanvas(height)
	s.compositor.Resize(width, height)
	s.scripts.Resize(width, height)
	slog.Info("Canvas resized", "width", width, "height", height)
}

// activate (re)acquires the resources a visible asset needs. p is the patch
// that produced a. start is set when the asset has just been shown, which
// (re)starts its audio.
func (s *Surface) activate(ctx context.Context, a domain.Asset, p domain.AssetPatch, start bool) {
	switch a.Kind {
	case domain.KindAudio:
		s.cfg.Media.Clear(a.ID)
		s.stopScript(a.ID)
		switch {
		case start || s.cfg.Audio.Playing(a.ID):
			if err := s.cfg.Audio.Play(a); err != nil {
				slog.WarnContext(ctx, "Audio playback failed", "asset_id", a.ID, "error", err)
			}
		case p.TouchesAudio() && s.cfg.Audio.Has(a.ID):
			if err := s.cfg.Audio.Apply(a); err != nil {
				slog.WarnContext(ctx, "Audio settings not applied", "asset_id", a.ID, "error", err)
			}
		}

	case domain.KindScript:
		s.cfg.Audio.Clear(a.ID)
		s.cfg.Media.Clear(a.ID)
		s.ensureScript(a, p)

	default:
		s.cfg.Audio.Clear(a.ID)
		s.stopScript(a.ID)
	}
}

// deactivate releases what a hidden asset must not keep running. Visual
// media stays cached so the fade-out can be drawn.
func (s *Surface) deactivate(a domain.Asset) {
	s.cfg.Audio.Stop(a.ID)
	s.stopScript(a.ID)
}

// remove deletes an asset and every resource derived from it.
func (s *Surface) remove(id string) bool {
	removed := s.registry.Remove(id)
	s.cfg.Media.Forget(id)
	s.cfg.Audio.Clear(id)
	s.stopScript(id)
	s.visibility.Forget(id)
	return removed
}

// ensureScript starts loading a script's source unless an instance for the
// same URL is already running or loading.
func (s *Surface) ensureScript(a domain.Asset, p domain.AssetPatch) {
	if l, ok := s.loads[a.ID]; ok && l.url == a.MediaURL {
		if l.running && p.TouchesScript() {
			s.scripts.UpdateAttachments(a.ID, a.Attachments, a.AllowedDomains)
		}
		return
	}
	s.stopScript(a.ID)
	if a.MediaURL == "" {
		return
	}

	s.gen++
	load := &scriptLoad{url: a.MediaURL, gen: s.gen}
	s.loads[a.ID] = load

	id, url, gen := a.ID, a.MediaURL, load.gen
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SourceTimeout)
		defer cancel()
		res, err := s.cfg.Sources.Fetch(ctx, url)
		s.send(sourceCmd{id: id, gen: gen, source: string(res.Data), err: err})
	}()
}

func (s *Surface) handleSource(c sourceCmd) {
	l, ok := s.loads[c.id]
	if !ok || l.gen != c.gen {
		return
	}
	if c.err != nil {
		delete(s.loads, c.id)
		slog.Warn("Script source not loaded", "asset_id", c.id, "url", l.url, "error", c.err)
		s.errors.Add(domain.ScriptError{
			ScriptID: c.id,
			Stage:    domain.StageInitialize,
			Message:  c.err.Error(),
			At:       s.clock.Now(),
		})
		return
	}
	a, ok := s.registry.Get(c.id)
	if !ok || a.Hidden || a.MediaURL != l.url {
		delete(s.loads, c.id)
		return
	}

	l.running = true
	w, h := s.compositor.Size()
	s.scripts.AddScript(sandbox.AddRequest{
		ID:             a.ID,
		Source:         c.source,
		Width:          w,
		Height:         h,
		Attachments:    a.Attachments,
		AllowedDomains: a.AllowedDomains,
	})
}

func (s *Surface) stopScript(id string) {
	l, ok := s.loads[id]
	if !ok {
		return
	}
	delete(s.loads, id)
	if l.running {
		s.scripts.RemoveScript(id)
	}
	s.layer.Drop(id)
}

func (s *Surface) draw() {
	s.scheduler.Begin()
	start := s.clock.Now()

	order := s.registry.RenderOrder()
	items := make([]compositor.Item, 0, len(order))
	for _, id := range order {
		a, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		st, visible := s.visibility.Step(id, a.Hidden, a.Transform)
		if !visible {
			continue
		}
		h, ok := s.cfg.Media.Ensure(a)
		if !ok {
			continue
		}
		img, ready := h.Frame()
		if !ready {
			continue
		}
		items = append(items, compositor.Item{ID: id, Image: img, Transform: st.Transform, Alpha: st.Alpha})
	}

	stats := s.compositor.Draw(items, s.registry.ScriptOrder())

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Frames.Inc()
		s.cfg.Metrics.FrameDuration.Observe(s.clock.Since(start).Seconds())
	}
	if s.visibility.Animating() {
		s.scheduler.Request()
	}
	s.notifyFrame(stats)
}

func (s *Surface) notifyFrame(stats compositor.Stats) {
	if s.cfg.Notifier == nil {
		return
	}
	now := s.clock.Now()
	if !s.lastNotify.IsZero() && now.Sub(s.lastNotify) < frameNotifyInterval {
		return
	}
	s.lastNotify = now
	info := domain.FrameInfo{
		Seq:      stats.Seq,
		Width:    stats.Width,
		Height:   stats.Height,
		Assets:   stats.Drawn,
		Scripts:  stats.Scripts,
		Rendered: now,
	}
	if err := s.cfg.Notifier.PublishFrame(s.ctx, info); err != nil {
		slog.Debug("Frame notification failed", "error", err)
	}
}

func (s *Surface) assetViews() []AssetView {
	all := s.registry.All()
	byID := make(map[string]domain.Asset, len(all))
	for _, a := range all {
		byID[a.ID] = a
	}

	ids := append(s.registry.RenderOrder(), s.registry.ScriptOrder()...)
	seen := make(map[string]bool, len(ids))
	out := make([]AssetView, 0, len(all))
	add := func(a domain.Asset) {
		v := AssetView{
			ID:        a.ID,
			Kind:      a.Kind.String(),
			MediaURL:  a.MediaURL,
			MediaType: a.MediaType,
			Hidden:    a.Hidden,
			Transform: a.Transform,
		}
		if st, ok := s.visibility.Get(a.ID); ok {
			v.Alpha = st.Alpha
		}
		switch a.Kind {
		case domain.KindScript:
			v.Loaded = s.layer.Has(a.ID)
		case domain.KindAudio:
			v.Loaded = s.cfg.Audio.Has(a.ID)
		default:
			v.Loaded = s.visibility.Drawn(a.ID)
		}
		out = append(out, v)
	}
	for _, id := range ids {
		if a, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			add(a)
		}
	}
	for _, a := range all {
		if !seen[a.ID] {
			add(a)
		}
	}
	return out
}

func (s *Surface) pendingScripts() []string {
	var ids []string
	for id, l := range s.loads {
		if !l.running {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Surface) handleStop() {
	all := s.registry.All()
	slog.Info("Surface shutting down", "assets", len(all))
	for _, a := range all {
		s.remove(a.ID)
	}
}

// EventName is the metric label for an event.
func EventName(ev domain.Event) string {
	switch ev.(type) {
	case domain.CanvasResize:
		return "canvas"
	case domain.Deleted:
		return "deleted"
	case domain.Patch:
		return "patch"
	case domain.FullPayload:
		return "payload"
	case domain.Visibility:
		return "visibility"
	case domain.Play:
		return "play"
	case domain.ChatSnapshot:
		return "chat"
	case domain.EmoteCatalog:
		return "emotes"
	default:
		return "unknown"
	}
}
