package scanning

import "github.com/chazu/refgc/heap"

// Options configures a Scanner.
type Options struct {
	// DisableReferences treats every reference object as strong: referent
	// and discovered are visited and nothing reaches the ReferenceSink.
	DisableReferences bool

	// SliceOopMapBlocks visits each oop map block of an instance as one
	// slice instead of edge by edge.
	SliceOopMapBlocks bool
}

// Scanner enumerates object edges by kind. It holds no per-scan state and
// is safe for concurrent use.
type Scanner struct {
	model ObjectModel
	sink  ReferenceSink
	opts  Options
}

// New creates a Scanner. sink may be nil only when references are disabled.
func New(model ObjectModel, sink ReferenceSink, opts Options) *Scanner {
	if sink == nil && !opts.DisableReferences {
		heap.Fatalf("scanner: reference sink required unless references are disabled")
	}
	return &Scanner{model: model, sink: sink, opts: opts}
}

// Options returns the scanner configuration.
func (s *Scanner) Options() Options { return s.opts }

// Scan visits every outgoing edge of obj before returning. An unknown kind
// tag or a reference object without a strength is fatal.
func (s *Scanner) Scan(obj heap.ObjectReference, v EdgeVisitor) {
	d := s.model.Descriptor(obj)
	switch d.Kind {
	case heap.KindInstance, heap.KindInstanceClassLoader:
		s.scanFields(obj, d, v)
	case heap.KindInstanceMirror:
		s.scanFields(obj, d, v)
		visitSlice(v, s.model.StaticRange(obj))
	case heap.KindObjArray:
		visitSlice(v, s.model.ElementRange(obj))
	case heap.KindTypeArray:
		// Primitive arrays hold no references.
	case heap.KindInstanceRef:
		s.scanFields(obj, d, v)
		s.scanReference(obj, d, v)
	default:
		heap.Fatalf("scan: invalid kind %d for object %s (type %q)", uint8(d.Kind), obj, d.Name)
	}
}

func (s *Scanner) scanFields(obj heap.ObjectReference, d *heap.TypeDescriptor, v EdgeVisitor) {
	for _, m := range d.OopMaps {
		if m.Count == 0 {
			continue
		}
		start := s.model.FieldEdge(obj, m.Offset)
		if s.opts.SliceOopMapBlocks {
			v.VisitSlice(heap.EdgeRange{Start: start, End: start + heap.Edge(m.Count)})
			continue
		}
		for i := 0; i < m.Count; i++ {
			v.VisitEdge(start + heap.Edge(i))
		}
	}
}

func (s *Scanner) scanReference(obj heap.ObjectReference, d *heap.TypeDescriptor, v EdgeVisitor) {
	if s.opts.DisableReferences {
		s.scanReferenceAsStrong(obj, v)
		return
	}
	switch d.Strength {
	case heap.StrengthSoft:
		s.sink.AddSoftCandidate(obj)
	case heap.StrengthWeak:
		s.sink.AddWeakCandidate(obj)
	case heap.StrengthPhantom:
		s.sink.AddPhantomCandidate(obj)
	case heap.StrengthFinal, heap.StrengthOther:
		// Final references are dealt with by the finalizable processor.
		s.scanReferenceAsStrong(obj, v)
	case heap.StrengthNone:
		heap.Fatalf("scan: reference object %s (type %q) has no strength", obj, d.Name)
	default:
		heap.Fatalf("scan: reference object %s has invalid strength %d", obj, uint8(d.Strength))
	}
}

func (s *Scanner) scanReferenceAsStrong(obj heap.ObjectReference, v EdgeVisitor) {
	v.VisitEdge(s.model.ReferentEdge(obj))
	v.VisitEdge(s.model.DiscoveredEdge(obj))
}

func visitSlice(v EdgeVisitor, r heap.EdgeRange) {
	if r.Len() == 0 {
		return
	}
	v.VisitSlice(r)
}
