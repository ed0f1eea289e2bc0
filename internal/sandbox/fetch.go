package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dop251/goja"

	"github.com/imgfloat/server-sub000/internal/domain"
)

type fetchResult struct {
	url         string
	status      int
	contentType string
	body        []byte
}

// fetch implements the script-visible fetch(url). The request runs off the
// runtime goroutine; the promise settles back on it.
func (in *instance) fetch(call goja.FunctionCall) goja.Value {
	vm := in.vm
	promise, resolve, reject := vm.NewPromise()

	u, err := resolveURL(in.rt.origin, call.Argument(0).String())
	if err == nil {
		err = in.allow.check(u)
	}
	if err != nil {
		in.rt.countFetch("denied")
		in.rt.report(in.id, domain.StageFetch, err)
		reject(vm.NewTypeError(errorMessage(err)))
		return vm.ToValue(promise)
	}
	if !in.limiter.Allow() {
		in.rt.countFetch("throttled")
		err := fmt.Errorf("fetch rate limit exceeded for %s", u.Host)
		in.rt.report(in.id, domain.StageFetch, err)
		reject(vm.NewTypeError(err.Error()))
		return vm.ToValue(promise)
	}

	target := canonical(u)
	go func() {
		res, err := in.rt.get(in.ctx, target)
		in.rt.send(settleCmd{inst: in, settle: func() {
			if err != nil {
				in.rt.countFetch("error")
				in.rt.report(in.id, domain.StageFetch, err)
				reject(vm.NewTypeError(errorMessage(err)))
				return
			}
			in.rt.countFetch("ok")
			resolve(in.response(res))
		}})
	}()
	return vm.ToValue(promise)
}

// response builds the object a fetch promise resolves to.
func (in *instance) response(res fetchResult) goja.Value {
	vm := in.vm
	obj := vm.NewObject()
	_ = obj.Set("ok", res.status >= 200 && res.status < 300)
	_ = obj.Set("status", res.status)
	_ = obj.Set("url", res.url)
	_ = obj.Set("contentType", res.contentType)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		p, resolve, _ := vm.NewPromise()
		resolve(vm.ToValue(string(res.body)))
		return vm.ToValue(p)
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		p, resolve, reject := vm.NewPromise()
		v, err := in.parseJSON(res.body)
		if err != nil {
			reject(vm.NewTypeError(errorMessage(err)))
		} else {
			resolve(v)
		}
		return vm.ToValue(p)
	})
	return obj
}

// get performs a bounded GET. Redirects are not followed so a permitted
// URL cannot bounce the request to a host outside the allow-list.
func (r *Runtime) get(ctx context.Context, target string) (fetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fetchResult{}, fmt.Errorf("build request: %w", err)
	}
	client := *r.cfg.HTTPClient
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := client.Do(req)
	if err != nil {
		return fetchResult{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxResponseBytes+1))
	if err != nil {
		return fetchResult{}, fmt.Errorf("read %s: %w", target, err)
	}
	if int64(len(body)) > r.cfg.MaxResponseBytes {
		return fetchResult{}, fmt.Errorf("response from %s exceeds %d bytes", target, r.cfg.MaxResponseBytes)
	}
	return fetchResult{
		url:         target,
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

func (r *Runtime) countFetch(result string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.FetchRequests.WithLabelValues(result).Inc()
	}
}
