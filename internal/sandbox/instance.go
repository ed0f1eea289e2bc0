package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/time/rate"

	"github.com/imgfloat/server-sub000/internal/domain"
)

type phase int

const (
	phaseInitializing phase = iota
	phaseRunning
	phaseErrored
	phaseInert
)

func (p phase) String() string {
	switch p {
	case phaseRunning:
		return "running"
	case phaseErrored:
		return "errored"
	case phaseInert:
		return "inert"
	default:
		return "initializing"
	}
}

var errNoEntryPoints = errors.New("script defines neither init nor tick")

// instance is one script with its own interpreter. Everything except the
// interrupt token is confined to the runtime goroutine.
type instance struct {
	id      string
	rt      *Runtime
	vm      *goja.Runtime
	surface *surface
	allow   *allowList
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	context *goja.Object
	state   *goja.Object
	init    goja.Callable
	tick    goja.Callable
	phase   phase

	mu    sync.Mutex
	token uint64
}

func newInstance(rt *Runtime, req AddRequest) *instance {
	width, height := req.Width, req.Height
	if width <= 0 || height <= 0 {
		width, height = rt.width, rt.height
	}
	ctx, cancel := context.WithCancel(rt.ctx)
	in := &instance{
		id:      req.ID,
		rt:      rt,
		vm:      goja.New(),
		surface: newSurface(width, height),
		allow:   &allowList{origin: rt.origin, shared: rt.isShared},
		limiter: rate.NewLimiter(rt.cfg.FetchRate, rt.cfg.FetchBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
	in.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	in.install()
	in.setAttachments(req.Attachments, req.AllowedDomains)
	in.setChat(rt.chat, rt.emotes)
	return in
}

// start evaluates the source, resolves the entry points and runs init.
func (in *instance) start(source string) {
	err := in.call(func() error {
		prog, err := goja.Compile(in.id, source, false)
		if err != nil {
			return err
		}
		_, err = in.vm.RunProgram(prog)
		return err
	})
	if err != nil {
		in.rt.report(in.id, domain.StageInitialize, err)
		in.phase = phaseErrored
		return
	}

	in.init = in.entryPoint("init")
	in.tick = in.entryPoint("tick")
	if in.init == nil && in.tick == nil {
		in.rt.report(in.id, domain.StageInitialize, errNoEntryPoints)
		in.phase = phaseInert
		return
	}

	if in.init != nil {
		if err := in.call(func() error {
			_, err := in.init(goja.Undefined(), in.context, in.state)
			return err
		}); err != nil {
			in.rt.report(in.id, domain.StageInit, err)
			in.phase = phaseErrored
			return
		}
	}
	in.phase = phaseRunning
}

// entryPoint looks name up as a global, then on module.exports, then on
// exports.
func (in *instance) entryPoint(name string) goja.Callable {
	if fn := callable(in.vm.Get(name)); fn != nil {
		return fn
	}
	var holders []goja.Value
	if module, ok := in.vm.Get("module").(*goja.Object); ok {
		holders = append(holders, module.Get("exports"))
	}
	holders = append(holders, in.vm.Get("exports"))
	for _, h := range holders {
		if obj, ok := h.(*goja.Object); ok {
			if fn := callable(obj.Get(name)); fn != nil {
				return fn
			}
		}
	}
	return nil
}

func callable(v goja.Value) goja.Callable {
	if v == nil {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

func (in *instance) runTick(elapsed, delta time.Duration) {
	_ = in.context.Set("now", float64(elapsed)/float64(time.Millisecond))
	_ = in.context.Set("deltaTime", float64(delta)/float64(time.Millisecond))
	err := in.call(func() error {
		_, err := in.tick(goja.Undefined(), in.context, in.state)
		return err
	})
	_ = in.context.Set("now", goja.Undefined())
	_ = in.context.Set("deltaTime", goja.Undefined())
	if err != nil {
		in.rt.report(in.id, domain.StageTick, err)
	}
}

// call runs fn under the tick budget. A call that overruns is interrupted
// and returns a *goja.InterruptedError.
func (in *instance) call(fn func() error) (err error) {
	in.mu.Lock()
	in.token++
	token := in.token
	in.mu.Unlock()

	timer := in.rt.clock.AfterFunc(in.rt.cfg.TickBudget, func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		if in.token == token {
			in.vm.Interrupt(errBudgetExceeded)
		}
	})

	defer func() {
		timer.Stop()
		in.mu.Lock()
		in.token++
		in.mu.Unlock()
		in.vm.ClearInterrupt()

		if p := recover(); p != nil {
			switch v := p.(type) {
			case *goja.Exception:
				err = v
			case *goja.InterruptedError:
				err = v
			case error:
				err = fmt.Errorf("script call panicked: %w", v)
			default:
				err = fmt.Errorf("script call panicked: %v", v)
			}
		}
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && in.rt.cfg.Metrics != nil {
			in.rt.cfg.Metrics.SlowTicks.Inc()
		}
	}()

	return fn()
}

func (in *instance) close() {
	in.cancel()
	in.init, in.tick = nil, nil
}

func (in *instance) setAttachments(attachments []domain.Attachment, domains []string) {
	urls := make([]string, 0, len(attachments))
	for _, a := range attachments {
		urls = append(urls, a.URL)
	}
	in.allow.own = knownSet(in.rt.origin, urls)
	in.allow.domains = domains
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	_ = in.context.Set("assets", in.plain(attachments))
}

func (in *instance) setChat(messages []domain.ChatMessage, emotes []domain.Emote) {
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	if emotes == nil {
		emotes = []domain.Emote{}
	}
	_ = in.context.Set("chatMessages", in.plain(messages))
	_ = in.context.Set("emotes", in.plain(emotes))
}

// plain converts v into ordinary script objects so no Go memory is shared
// between instances.
func (in *instance) plain(v any) goja.Value {
	data, err := json.Marshal(v)
	if err != nil {
		return goja.Null()
	}
	parsed, err := in.parseJSON(data)
	if err != nil {
		return goja.Null()
	}
	return parsed
}

func (in *instance) parseJSON(data []byte) (goja.Value, error) {
	jsonObj, ok := in.vm.Get("JSON").(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("JSON is not available")
	}
	parse := callable(jsonObj.Get("parse"))
	if parse == nil {
		return nil, fmt.Errorf("JSON.parse is not available")
	}
	return parse(goja.Undefined(), in.vm.ToValue(string(data)))
}

// install defines the globals and the capability object handed to init
// and tick.
func (in *instance) install() {
	vm := in.vm

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)
	_ = vm.Set("console", in.console())
	_ = vm.Set("importScripts", in.importScripts)

	in.state = vm.NewObject()
	in.context = vm.NewObject()
	canvas, ctx := in.canvasObject()
	_ = in.context.Set("canvas", canvas)
	_ = in.context.Set("ctx", ctx)
	_ = in.context.Set("channel", in.rt.cfg.Channel)
	in.accessor(in.context, "width", func() goja.Value { return vm.ToValue(in.surface.width()) }, nil)
	in.accessor(in.context, "height", func() goja.Value { return vm.ToValue(in.surface.height()) }, nil)
	_ = in.context.Set("fetch", in.fetch)
	_ = in.context.Set("playAudio", in.playAudio)
}

func (in *instance) accessor(obj *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	getter := in.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	var setter goja.Value
	if set != nil {
		setter = in.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (in *instance) console() *goja.Object {
	obj := in.vm.NewObject()
	logger := slog.With("script_id", in.id)
	logFn := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				args = append(args, a.String())
			}
			logger.Log(in.ctx, level, "Script console", "message", fmt.Sprint(args...))
			return goja.Undefined()
		}
	}
	_ = obj.Set("log", logFn(slog.LevelInfo))
	_ = obj.Set("info", logFn(slog.LevelInfo))
	_ = obj.Set("debug", logFn(slog.LevelDebug))
	_ = obj.Set("warn", logFn(slog.LevelWarn))
	_ = obj.Set("error", logFn(slog.LevelError))
	return obj
}

// importScripts evaluates shared dependencies in the script's own
// interpreter. Anything outside the shared list is refused.
func (in *instance) importScripts(call goja.FunctionCall) goja.Value {
	for _, arg := range call.Arguments {
		key, src, err := in.rt.deps.load(in.ctx, arg.String())
		if err != nil {
			in.rt.report(in.id, domain.StageImport, err)
			panic(in.vm.NewTypeError(errorMessage(err)))
		}
		prog, err := goja.Compile(key, src, false)
		if err == nil {
			_, err = in.vm.RunProgram(prog)
		}
		if err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				panic(interrupted)
			}
			in.rt.report(in.id, domain.StageImport, fmt.Errorf("%s: %s", key, errorMessage(err)))
			panic(in.vm.NewTypeError(fmt.Sprintf("importScripts(%q) failed: %s", key, errorMessage(err))))
		}
	}
	return goja.Undefined()
}

// playAudio asks the host for a one-shot sound. The URL must pass the same
// allow-list as fetch.
func (in *instance) playAudio(call goja.FunctionCall) goja.Value {
	u, err := resolveURL(in.rt.origin, call.Argument(0).String())
	if err == nil {
		err = in.allow.check(u)
	}
	if err != nil {
		in.rt.report(in.id, domain.StageAudio, err)
		panic(in.vm.NewTypeError(errorMessage(err)))
	}

	volume := 1.0
	if v := call.Argument(1); !goja.IsUndefined(v) && !goja.IsNull(v) {
		volume = v.ToFloat()
	}
	in.rt.sink.AudioTrigger(domain.AudioTrigger{ScriptID: in.id, URL: canonical(u), Volume: volume})
	return goja.Undefined()
}

// canvasObject builds the canvas and its 2D context.
func (in *instance) canvasObject() (*goja.Object, *goja.Object) {
	vm := in.vm
	s := in.surface
	canvas := vm.NewObject()
	ctx := vm.NewObject()

	in.accessor(canvas, "width", func() goja.Value { return vm.ToValue(s.width()) }, nil)
	in.accessor(canvas, "height", func() goja.Value { return vm.ToValue(s.height()) }, nil)
	_ = canvas.Set("getContext", func(call goja.FunctionCall) goja.Value {
		if call.Argument(0).String() == "2d" {
			return ctx
		}
		return goja.Null()
	})

	num := func(call goja.FunctionCall, i int) float64 { return call.Argument(i).ToFloat() }
	rect := func(fn func(x, y, w, h float64)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fn(num(call, 0), num(call, 1), num(call, 2), num(call, 3))
			return goja.Undefined()
		}
	}

	_ = ctx.Set("canvas", canvas)
	_ = ctx.Set("fillRect", rect(s.fillRect))
	_ = ctx.Set("clearRect", rect(s.clearRect))
	_ = ctx.Set("strokeRect", rect(s.strokeRect))
	_ = ctx.Set("fillText", func(call goja.FunctionCall) goja.Value {
		s.fillText(call.Argument(0).String(), num(call, 1), num(call, 2))
		return goja.Undefined()
	})
	_ = ctx.Set("measureText", func(call goja.FunctionCall) goja.Value {
		m := vm.NewObject()
		_ = m.Set("width", s.measureText(call.Argument(0).String()))
		return m
	})
	_ = ctx.Set("save", func(goja.FunctionCall) goja.Value {
		s.save()
		return goja.Undefined()
	})
	_ = ctx.Set("restore", func(goja.FunctionCall) goja.Value {
		s.restore()
		return goja.Undefined()
	})

	in.accessor(ctx, "fillStyle",
		func() goja.Value { return vm.ToValue(s.state.fillString) },
		func(v goja.Value) { s.setFillStyle(v.String()) })
	in.accessor(ctx, "strokeStyle",
		func() goja.Value { return vm.ToValue(s.state.strokeString) },
		func(v goja.Value) { s.setStrokeStyle(v.String()) })
	in.accessor(ctx, "globalAlpha",
		func() goja.Value { return vm.ToValue(s.state.alpha) },
		func(v goja.Value) { s.setGlobalAlpha(v.ToFloat()) })
	in.accessor(ctx, "lineWidth",
		func() goja.Value { return vm.ToValue(s.state.lineWidth) },
		func(v goja.Value) { s.setLineWidth(v.ToFloat()) })
	font := "13px monospace"
	in.accessor(ctx, "font",
		func() goja.Value { return vm.ToValue(font) },
		func(v goja.Value) { font = v.String() })

	return canvas, ctx
}
