// Package credentials reconciles the block producer's signing-key and
// certificate files against the desired leadership/forging state, per spec
// section 4.2.
package credentials

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// identityByteLimit bounds the content-equality check; above this size the
// reconciler trusts size+mtime as a proxy, per spec section 4.2.
const identityByteLimit = 1 << 20 // 1 MiB

// Pair is one (source, target) credential path, with fixed semantic
// identity (signing-key-A, signing-key-B, operational-certificate).
type Pair struct {
	Name   string
	Source string
	Target string
	Mode   os.FileMode
}

// Reconciler owns the three credential pairs for one replica.
type Reconciler struct {
	pairs []Pair
}

// New builds a Reconciler over the given credential pairs.
func New(pairs ...Pair) *Reconciler {
	return &Reconciler{pairs: pairs}
}

// Op is one file-level action the reconciler took or attempted, used to
// drive the credential_operations_total metric and partial-failure logging.
type Op struct {
	Pair    string
	Action  string // "write", "remove", "skip", "error"
	Err     error
}

// Result is the outcome of one Reconcile call.
type Result struct {
	Changed bool
	Ops     []Op
}

// Reconcile brings all target paths into the desired state: present (bytes
// identical to source) if desiredPresent, absent otherwise. It returns
// changed=true iff at least one file was written or removed.
func (r *Reconciler) Reconcile(desiredPresent bool) Result {
	var result Result
	for _, p := range r.pairs {
		var op Op
		if desiredPresent {
			op = r.reconcilePresent(p)
		} else {
			op = r.reconcileAbsent(p)
		}
		result.Ops = append(result.Ops, op)
		if op.Action == "write" || op.Action == "remove" {
			result.Changed = true
		}
	}
	return result
}

// ProvisionStartup unconditionally copies source to target for any missing
// target; it does not compare or overwrite existing targets, per spec
// section 4.2.
func (r *Reconciler) ProvisionStartup() Result {
	var result Result
	for _, p := range r.pairs {
		op := Op{Pair: p.Name, Action: "skip"}
		if _, err := os.Stat(p.Target); err == nil {
			result.Ops = append(result.Ops, op)
			continue
		}
		if err := atomicCopy(p.Source, p.Target, mode(p)); err != nil {
			op.Action, op.Err = "error", err
		} else {
			op.Action = "write"
			result.Changed = true
		}
		result.Ops = append(result.Ops, op)
	}
	return result
}

// AllPresent reports whether every target exists and is non-empty, for the
// /startup-status readiness check (spec section 6, P8).
func (r *Reconciler) AllPresent() bool {
	for _, p := range r.pairs {
		info, err := os.Stat(p.Target)
		if err != nil || info.Size() == 0 {
			return false
		}
	}
	return true
}

func (r *Reconciler) reconcilePresent(p Pair) Op {
	op := Op{Pair: p.Name}
	same, err := identical(p.Source, p.Target)
	if err != nil && !os.IsNotExist(err) {
		op.Action, op.Err = "error", err
		return op
	}
	if same {
		op.Action = "skip"
		return op
	}
	if err := atomicCopy(p.Source, p.Target, mode(p)); err != nil {
		op.Action, op.Err = "error", err
		return op
	}
	op.Action = "write"
	return op
}

func (r *Reconciler) reconcileAbsent(p Pair) Op {
	op := Op{Pair: p.Name}
	if _, err := os.Stat(p.Target); os.IsNotExist(err) {
		op.Action = "skip"
		return op
	}
	if err := os.Remove(p.Target); err != nil && !os.IsNotExist(err) {
		op.Action, op.Err = "error", err
		return op
	}
	op.Action = "remove"
	return op
}

func mode(p Pair) os.FileMode {
	if p.Mode == 0 {
		return 0600
	}
	return p.Mode
}

// identical implements spec section 4.2's identity test: same size AND
// (mtime within 1 second OR content-equal for files under 1 MiB); larger
// files accept the size+mtime proxy.
func identical(source, target string) (bool, error) {
	srcInfo, err := os.Stat(source)
	if err != nil {
		return false, err
	}
	tgtInfo, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if srcInfo.Size() != tgtInfo.Size() {
		return false, nil
	}
	if mtimeClose(srcInfo.ModTime(), tgtInfo.ModTime()) {
		return true, nil
	}
	if srcInfo.Size() >= identityByteLimit {
		return false, nil
	}
	return contentEqual(source, target)
}

func mtimeClose(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= time.Second
}

func contentEqual(a, b string) (bool, error) {
	af, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer af.Close()
	bf, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer bf.Close()

	abuf, err := io.ReadAll(af)
	if err != nil {
		return false, err
	}
	bbuf, err := io.ReadAll(bf)
	if err != nil {
		return false, err
	}
	return bytes.Equal(abuf, bbuf), nil
}

// atomicCopy writes target via a sibling temp file + rename, so the
// producer's file-integrity check never observes a half-written key.
func atomicCopy(source, target string, mode os.FileMode) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("reading source %s: %w", source, err)
	}

	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
