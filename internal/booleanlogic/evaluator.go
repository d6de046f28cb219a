// Package booleanlogic evaluates boolean field-index queries inside a
// sorted key-value iterator stack.
//
// An Evaluator parses its query on the first Seek, rewrites it into a tree
// whose leaves are field-index iterators and merge iterators, and then walks
// those iterators in lock step. It emits the event key (partition,
// datatype\x00uid) of every record satisfying the query, in key order, and
// never materializes the index.
//
// Each step either jumps every lagging iterator to a lower bound computed
// from the tree, or advances the smallest iterator by one. After each step
// the tree is evaluated against the current iterator tops; a surviving
// candidate is checked against the negated leaves by locating each of them
// on the candidate record.
package booleanlogic

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"

	"shardscan/internal/fieldindex"
	"shardscan/internal/key"
	"shardscan/internal/logging"
	"shardscan/internal/merge"
	"shardscan/internal/metrics"
	"shardscan/internal/shardkey"
	"shardscan/internal/sortedkv"
)

type operandKind uint8

const (
	operandNone operandKind = iota
	operandLeaf
	operandIntersect
	operandUnion
)

// operand is the iterator behind one leaf node of the plan.
type operand struct {
	kind      operandKind
	leaf      fieldindex.Leaf
	intersect *merge.Intersect
	union     *merge.Union
}

func (o operand) iterator() sortedkv.JumpingIterator {
	switch o.kind {
	case operandLeaf:
		return o.leaf
	case operandIntersect:
		return o.intersect
	case operandUnion:
		return o.union
	}
	return nil
}

func (o operand) close() error {
	switch o.kind {
	case operandLeaf:
		return o.leaf.Close()
	case operandUnion:
		return o.union.Close()
	}
	return nil
}

// Evaluator is a sortedkv.JumpingIterator over the event keys matching a
// query. It is not safe for concurrent use; DeepCopy gives an independent
// instance that shares only the immutable plan.
type Evaluator struct {
	src         sortedkv.Iterator
	cfg         Config
	base        *slog.Logger
	logger      *slog.Logger
	metrics     *metrics.Metrics
	unevaluated map[string]bool

	plan       *plan
	ops        []operand
	state      []nodeState
	positives  positiveHeap
	negatives  []int
	candidates keySet

	overall  key.Range
	lastJump *key.Key
	top      *key.Key
	topValue []byte
}

var _ sortedkv.JumpingIterator = (*Evaluator)(nil)

// New returns an evaluator over src. The query is parsed and the tree built
// on the first Seek.
func New(src sortedkv.Iterator, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Evaluator {
	base := logging.Default(logger)
	unevaluated := make(map[string]bool, len(cfg.UnevaluatedFields))
	for _, f := range cfg.UnevaluatedFields {
		unevaluated[f] = true
	}
	return &Evaluator{
		src:         src,
		cfg:         cfg,
		base:        base,
		logger:      base.With("component", "booleanlogic"),
		metrics:     m,
		unevaluated: unevaluated,
	}
}

// NewFromOptions parses an option map and returns an evaluator over src.
func NewFromOptions(src sortedkv.Iterator, opts map[string]string, logger *slog.Logger, m *metrics.Metrics) (*Evaluator, error) {
	cfg, err := ParseOptions(opts)
	if err != nil {
		return nil, err
	}
	return New(src, cfg, logger, m), nil
}

func (e *Evaluator) HasTop() bool { return e.top != nil }

func (e *Evaluator) TopKey() key.Key {
	if e.top == nil {
		return key.Key{}
	}
	return *e.top
}

// TopValue holds the FIELD:value hints of the unevaluated fields matched
// for the current record, or nil when there are none. See DecodeMatches.
func (e *Evaluator) TopValue() []byte { return e.topValue }

// DeepCopy returns an unpositioned evaluator over a copy of the source.
func (e *Evaluator) DeepCopy() sortedkv.Iterator { return e.Clone() }

// Clone is DeepCopy with the concrete type preserved.
func (e *Evaluator) Clone() *Evaluator {
	return e.CloneOn(e.src.DeepCopy())
}

// CloneOn returns an unpositioned evaluator over src sharing the plan of e.
func (e *Evaluator) CloneOn(src sortedkv.Iterator) *Evaluator {
	return &Evaluator{
		src:         src,
		cfg:         e.cfg,
		base:        e.base,
		logger:      e.logger,
		metrics:     e.metrics,
		unevaluated: e.unevaluated,
		plan:        e.plan,
	}
}

// Close releases the iterators of the tree, including any spill files.
func (e *Evaluator) Close() error {
	var errs []error
	for _, op := range e.ops {
		errs = append(errs, op.close())
	}
	e.ops = nil
	e.clear()
	return errors.Join(errs...)
}

// String renders the rewritten tree, or the raw query before the first
// Seek.
func (e *Evaluator) String() string {
	if e.plan == nil {
		return e.cfg.Query
	}
	return e.plan.nodes[e.plan.root].label
}

// Seek positions the evaluator on the first match within r. The column
// family arguments are ignored. A start key naming a record resumes after
// it when the start is exclusive.
func (e *Evaluator) Seek(r key.Range, _ [][]byte, _ bool) error {
	e.clear()
	e.lastJump = nil
	if err := e.init(); err != nil {
		return err
	}
	if r.Start != nil && len(r.Start.ColumnFamily) > 0 {
		e.logger.Debug("resuming scan", "start", r.Start.String(), "inclusive", r.StartInclusive)
	}
	e.overall = r
	for _, i := range e.positives.ids {
		if err := e.seekNode(i, r); err != nil {
			return e.fail(err)
		}
	}
	heap.Init(&e.positives)
	ok, err := e.settle()
	if err != nil || ok {
		return e.fail(err)
	}
	return e.fail(e.advance())
}

// Next moves to the following match.
func (e *Evaluator) Next() error {
	if e.top == nil {
		return nil
	}
	e.topValue = nil
	return e.fail(e.advance())
}

// Jump moves to the first match at or after the event key k. An evaluator
// already there stays put.
func (e *Evaluator) Jump(k key.Key) (bool, error) {
	if e.top == nil {
		return false, nil
	}
	if e.top.ComparePartial(k, key.RowFamily) >= 0 {
		return true, nil
	}
	if e.overall.AfterEnd(k) {
		e.clear()
		return false, nil
	}
	e.metrics.Jump()
	e.topValue = nil
	if err := e.jump(k); err != nil {
		return false, e.fail(err)
	}
	ok, err := e.settle()
	if err != nil {
		return false, e.fail(err)
	}
	if !ok {
		if err := e.advance(); err != nil {
			return false, e.fail(err)
		}
	}
	return e.HasTop(), nil
}

func (e *Evaluator) clear() {
	e.top, e.topValue = nil, nil
}

// fail clears the top when err is set. Errors pass through unchanged so
// sortedkv.ErrInterrupted reaches the caller as is.
func (e *Evaluator) fail(err error) error {
	if err != nil {
		e.clear()
	}
	return err
}

// Prepare builds the plan without positioning the evaluator. Clones made
// afterwards reuse it.
func (e *Evaluator) Prepare() error {
	if e.plan != nil {
		return nil
	}
	p, err := compile(e.cfg, e.logger)
	if err != nil {
		return err
	}
	e.plan = p
	return nil
}

// init compiles the plan once and builds the iterators of this instance.
func (e *Evaluator) init() error {
	if err := e.Prepare(); err != nil {
		return err
	}
	if e.ops != nil {
		return nil
	}
	ops := make([]operand, len(e.plan.nodes))
	var positives, negatives []int
	for _, i := range e.plan.iterators {
		n := &e.plan.nodes[i]
		op, err := e.newOperand(n)
		if err != nil {
			for _, built := range ops {
				if cerr := built.close(); cerr != nil {
					e.logger.Debug("close iterator after failed build", "error", cerr)
				}
			}
			return fmt.Errorf("build iterator for %s: %w", n.label, err)
		}
		ops[i] = op
		if n.negated {
			negatives = append(negatives, i)
		} else {
			positives = append(positives, i)
		}
	}
	e.ops = ops
	e.state = make([]nodeState, len(e.plan.nodes))
	e.positives = positiveHeap{ids: positives, state: e.state}
	e.negatives = negatives
	e.candidates = make(keySet, len(positives))
	e.logger.Debug("evaluator initialized", "tree", e.String(), "positives", len(positives), "negatives", len(negatives))
	return nil
}

func (e *Evaluator) leafOptions(negated bool) fieldindex.Options {
	return fieldindex.Options{
		TimeFilter:       e.cfg.timeFilter(),
		DatatypeFilter:   e.cfg.datatypeFilter(),
		Negated:          negated,
		CacheDir:         e.cfg.CacheDir,
		MaxCachedResults: e.cfg.MaxCachedResults,
		Logger:           e.base,
		Metrics:          e.metrics,
	}
}

func (e *Evaluator) newOperand(n *node) (operand, error) {
	mopts := merge.Options{Filter: e.cfg.entryFilter(), Logger: e.base, Metrics: e.metrics}
	switch {
	case n.rolledUp && n.kind == KindAnd:
		in, err := merge.NewIntersect(e.src.DeepCopy(), n.terms, mopts)
		if err != nil {
			return operand{}, err
		}
		return operand{kind: operandIntersect, intersect: in}, nil
	case n.rolledUp && n.kind == KindOr:
		leaves := make([]fieldindex.Leaf, len(n.terms))
		for j, t := range n.terms {
			leaves[j] = fieldindex.NewTerm(e.src.DeepCopy(), t.Field, t.Value, e.leafOptions(false))
		}
		return operand{kind: operandUnion, union: merge.NewUnion(leaves, mopts)}, nil
	case n.kind == KindEq:
		return operand{kind: operandLeaf, leaf: fieldindex.NewTerm(e.src.DeepCopy(), n.field, n.value, e.leafOptions(n.negated))}, nil
	case n.kind == KindRange:
		return operand{kind: operandLeaf, leaf: fieldindex.NewRange(e.src.DeepCopy(), n.field, n.bounds, e.leafOptions(n.negated))}, nil
	case n.kind == KindRegex:
		r, err := fieldindex.NewRegex(e.src.DeepCopy(), n.field, n.value, e.leafOptions(n.negated))
		if err != nil {
			return operand{}, err
		}
		return operand{kind: operandLeaf, leaf: r}, nil
	}
	return operand{}, fmt.Errorf("%w: %s has no iterator", ErrInconsistentState, n.kind)
}

// refresh copies the iterator position of node i into its state.
func (e *Evaluator) refresh(i int, it sortedkv.Iterator) {
	st := &e.state[i]
	st.top, st.done = nil, !it.HasTop()
	if !st.done {
		k := it.TopKey()
		t := key.NewBytes(k.Row, k.ColumnFamily, nil)
		st.top = &t
	}
}

func (e *Evaluator) iteratorOf(i int) (sortedkv.JumpingIterator, error) {
	it := e.ops[i].iterator()
	if it == nil {
		return nil, fmt.Errorf("%w: node %s has no iterator", ErrInconsistentState, e.plan.nodes[i].label)
	}
	return it, nil
}

func (e *Evaluator) seekNode(i int, r key.Range) error {
	it, err := e.iteratorOf(i)
	if err != nil {
		return err
	}
	if err := it.Seek(r, nil, false); err != nil {
		return err
	}
	e.refresh(i, it)
	return nil
}

func (e *Evaluator) nextNode(i int) error {
	it, err := e.iteratorOf(i)
	if err != nil {
		return err
	}
	if err := it.Next(); err != nil {
		return err
	}
	e.refresh(i, it)
	return nil
}

func (e *Evaluator) jumpNode(i int, k key.Key) error {
	it, err := e.iteratorOf(i)
	if err != nil {
		return err
	}
	if _, err := it.Jump(k); err != nil {
		return err
	}
	e.refresh(i, it)
	return nil
}

// advance steps the iterators until a match is taken as the new top or
// nothing can match any more.
//
// The jump strategy is used while the lower bound for the next match moves;
// once it equals the current top or the last jump target, the smallest
// positive iterator is advanced by one instead.
func (e *Evaluator) advance() error {
	for {
		jk := e.bestJumpKey()
		if jk == nil || e.overall.AfterEnd(*jk) {
			e.clear()
			return nil
		}
		target := *jk
		sameAsTop := e.top != nil && e.top.EqualPartial(target, key.RowFamily)
		sameAsJump := e.lastJump != nil && e.lastJump.EqualPartial(target, key.RowFamily)
		if !sameAsTop && !sameAsJump {
			e.lastJump = &target
			e.metrics.Jump()
			if err := e.jump(target); err != nil {
				return err
			}
		} else {
			i := e.positives.ids[0]
			if e.state[i].top == nil {
				e.clear()
				return nil
			}
			if err := e.nextNode(i); err != nil {
				return err
			}
			heap.Fix(&e.positives, 0)
		}
		ok, err := e.settle()
		if err != nil || ok {
			return err
		}
	}
}

// settle evaluates the tree at the current positions and takes the root
// candidate as the new top when it is the smallest possible match, lies
// after the previous top and inside the seek range, and survives the
// negated leaves.
func (e *Evaluator) settle() (bool, error) {
	e.resetNegatives()
	e.testTree()
	root := &e.state[e.plan.root]
	if !root.valid || root.top == nil {
		return false, nil
	}
	cand := *root.top
	if e.top != nil && cand.ComparePartial(*e.top, key.RowFamily) <= 0 {
		return false, nil
	}
	// A smaller match may still form behind cand.
	if jk := e.bestJumpKey(); jk == nil || jk.ComparePartial(cand, key.RowFamily) != 0 {
		return false, nil
	}
	if !e.overall.Contains(cand) {
		return false, nil
	}
	e.metrics.Candidate()
	ok, err := e.checkNegatives(cand)
	if err != nil {
		return false, err
	}
	if !ok {
		e.metrics.NegationRejected()
		return false, nil
	}
	value, err := e.hints(cand)
	if err != nil {
		return false, err
	}
	e.top, e.topValue = &cand, value
	e.metrics.Match()
	return true, nil
}

// hints collects FIELD:value for the unevaluated fields of the positive
// leaves that hold for cand along a satisfied path from the root.
func (e *Evaluator) hints(cand key.Key) ([]byte, error) {
	if len(e.unevaluated) == 0 {
		return nil, nil
	}
	id := shardkey.EventKeyRowAndID(cand)
	var out []string
	var walk func(i int)
	walk = func(i int) {
		n, st := &e.plan.nodes[i], &e.state[i]
		if _, ok := st.matched[id]; !ok || n.pure() {
			return
		}
		if !n.leaf() {
			for _, c := range n.children {
				walk(c)
			}
			return
		}
		op := e.ops[i]
		switch op.kind {
		case operandLeaf:
			if e.unevaluated[n.field] {
				out = append(out, n.field+":"+op.leaf.Value())
			}
		case operandUnion:
			if f := op.union.CurrentField(); e.unevaluated[f] {
				out = append(out, f+":"+op.union.CurrentValue())
			}
		case operandIntersect:
			for _, t := range op.intersect.Terms() {
				if !t.Negated && e.unevaluated[t.Field] {
					out = append(out, t.Field+":"+t.Value)
				}
			}
		}
	}
	walk(e.plan.root)
	if len(out) == 0 {
		return nil, nil
	}
	return encodeMatches(out)
}
