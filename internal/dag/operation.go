package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// params reads typed values out of an operation's evaluated parameters and
// remembers which ones were consumed.
type params struct {
	step string
	raw  map[string]cty.Value
	used map[string]bool
}

func (p *params) str(name string, required bool) (string, error) {
	p.used[name] = true
	v, ok := p.raw[name]
	if !ok || v.IsNull() {
		if required {
			return "", &InvalidOperationError{Step: p.step, Reason: fmt.Sprintf("missing required parameter '%s'", name)}
		}
		return "", nil
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil || !s.IsKnown() {
		return "", &InvalidOperationError{Step: p.step, Reason: fmt.Sprintf("parameter '%s' must be a string", name)}
	}
	return s.AsString(), nil
}

// nonEmpty reads a required string that may not be blank.
func (p *params) nonEmpty(name string) (string, error) {
	s, err := p.str(name, true)
	if err == nil && strings.TrimSpace(s) == "" {
		err = &InvalidOperationError{Step: p.step, Reason: fmt.Sprintf("parameter '%s' must not be empty", name)}
	}
	return s, err
}

func (p *params) list(name string) ([]string, error) {
	p.used[name] = true
	v, ok := p.raw[name]
	if !ok || v.IsNull() {
		return nil, nil
	}
	ty := v.Type()
	if !ty.IsListType() && !ty.IsTupleType() && !ty.IsSetType() {
		return nil, &InvalidOperationError{Step: p.step, Reason: fmt.Sprintf("parameter '%s' must be a list of strings", name)}
	}
	var out []string
	for it := v.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		s, err := convert.Convert(ev, cty.String)
		if err != nil || s.IsNull() || !s.IsKnown() {
			return nil, &InvalidOperationError{Step: p.step, Reason: fmt.Sprintf("parameter '%s' must be a list of strings", name)}
		}
		out = append(out, s.AsString())
	}
	return out, nil
}

// rest returns every parameter not consumed yet, as strings.
func (p *params) rest() (map[string]string, error) {
	out := make(map[string]string)
	for name := range p.raw {
		if p.used[name] {
			continue
		}
		s, err := p.str(name, false)
		if err != nil {
			return nil, err
		}
		out[name] = s
	}
	return out, nil
}

func (p *params) unused() error {
	var extra []string
	for name := range p.raw {
		if !p.used[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return &InvalidOperationError{Step: p.step, Reason: "unknown parameter(s) " + strings.Join(extra, ", ")}
}

// decodeOperation turns a raw operation into its typed variant.
func decodeOperation(step *config.Step) (model.Operation, error) {
	if step.Operation == nil {
		return model.Operation{}, &InvalidOperationError{Step: step.Name, Reason: "no operation declared"}
	}
	p := &params{step: step.Name, raw: step.Operation.Params, used: make(map[string]bool)}
	op := model.Operation{Kind: model.OperationKind(step.Operation.Type), Idempotent: step.Idempotent}

	var err error
	switch op.Kind {
	case model.OpCommand:
		c := &model.CommandOp{}
		if c.Command, err = p.nonEmpty("command"); err != nil {
			return op, err
		}
		if c.Args, err = p.list("args"); err != nil {
			return op, err
		}
		if c.Dir, err = p.str("dir", false); err != nil {
			return op, err
		}
		if c.UndoCommand, err = p.str("undo_command", false); err != nil {
			return op, err
		}
		if c.UndoArgs, err = p.list("undo_args"); err != nil {
			return op, err
		}
		if c.UndoCommand == "" && len(c.UndoArgs) > 0 {
			return op, &InvalidOperationError{Step: step.Name, Reason: "undo_args given without undo_command"}
		}
		op.Command = c

	case model.OpFileMutation:
		f := &model.FileOp{Action: model.FileWrite}
		action, err := p.str("action", false)
		if err != nil {
			return op, err
		}
		switch model.FileAction(action) {
		case "", model.FileWrite:
		case model.FileDelete:
			f.Action = model.FileDelete
		default:
			return op, &InvalidOperationError{Step: step.Name, Reason: fmt.Sprintf("unknown file action '%s'", action)}
		}
		if f.Path, err = p.nonEmpty("path"); err != nil {
			return op, err
		}
		if f.Content, err = p.str("content", f.Action == model.FileWrite); err != nil {
			return op, err
		}
		op.File = f

	case model.OpTestRun:
		t := &model.TestOp{}
		if t.Suite, err = p.nonEmpty("suite"); err != nil {
			return op, err
		}
		op.Test = t

	case model.OpCodeGeneration:
		g := &model.GenerateOp{}
		if g.Spec, err = p.nonEmpty("spec"); err != nil {
			return op, err
		}
		if g.Target, err = p.str("target", false); err != nil {
			return op, err
		}
		if g.Params, err = p.rest(); err != nil {
			return op, err
		}
		op.Generate = g

	default:
		return op, &InvalidOperationError{Step: step.Name, Reason: fmt.Sprintf("unknown operation type '%s'", step.Operation.Type)}
	}
	return op, p.unused()
}
