package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/imgfloat/server-sub000/internal/domain"
)

type reportKey struct {
	id      string
	stage   domain.Stage
	message string
}

// reporter forwards each distinct (script, stage, message) once.
type reporter struct {
	seen map[reportKey]struct{}
}

func newReporter() *reporter {
	return &reporter{seen: make(map[reportKey]struct{})}
}

// first records the key and reports whether it was new.
func (r *reporter) first(id string, stage domain.Stage, message string) bool {
	k := reportKey{id: id, stage: stage, message: message}
	if _, ok := r.seen[k]; ok {
		return false
	}
	r.seen[k] = struct{}{}
	return true
}

// forget drops everything recorded for id so a re-added script reports again.
func (r *reporter) forget(id string) {
	for k := range r.seen {
		if k.id == id {
			delete(r.seen, k)
		}
	}
}

var errBudgetExceeded = errors.New("time budget exceeded")

// errorMessage renders a script failure without the Go-side wrapping.
func errorMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			if obj, ok := v.(*goja.Object); ok {
				if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
					name := "Error"
					if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
						name = n.String()
					}
					return name + ": " + msg.String()
				}
			}
			return v.String()
		}
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if e, ok := interrupted.Value().(error); ok {
			return e.Error()
		}
		return fmt.Sprint(interrupted.Value())
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
