package graphann

// ReadableIndex is a read-only handle. It exposes searches and lookups but
// no operation that changes the index.
//
// Convert between the handles with IntoReadable and IntoWritable; both
// reopen the index directory, so the source handle is closed afterwards.
type ReadableIndex struct {
	idx *Index
}

// OpenReadOnly loads the index at path as a ReadableIndex.
func OpenReadOnly(path string, optFns ...Option) (*ReadableIndex, error) {
	idx, err := Open(path, optFns...)
	if err != nil {
		return nil, err
	}
	return &ReadableIndex{idx: idx}, nil
}

// IntoReadable persists w, closes it and reopens the directory read-only.
// w must not be used afterwards.
func IntoReadable(w *Index, optFns ...Option) (*ReadableIndex, error) {
	path, err := w.persistAndClose("into readable")
	if err != nil {
		return nil, err
	}
	if len(optFns) == 0 {
		optFns = w.sameOptions()
	}
	return OpenReadOnly(path, optFns...)
}

// IntoWritable closes r and reopens the directory for writing.
// r must not be used afterwards.
func IntoWritable(r *ReadableIndex, optFns ...Option) (*Index, error) {
	if len(optFns) == 0 {
		optFns = r.idx.sameOptions()
	}
	path := r.idx.path
	if err := r.Close(); err != nil {
		return nil, err
	}
	return Open(path, optFns...)
}

func (idx *Index) persistAndClose(op string) (string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return "", &Error{Kind: ErrClosed, Op: op}
	}
	if err := idx.persistLocked(); err != nil {
		return "", translateError(op, err)
	}
	idx.release()
	return idx.path, nil
}

// sameOptions reproduces the options idx was opened with.
func (idx *Index) sameOptions() []Option {
	o := idx.opts
	return []Option{func(dst *options) { *dst = o }}
}

// Path returns the index directory.
func (r *ReadableIndex) Path() string { return r.idx.Path() }

// Properties returns the index configuration.
func (r *ReadableIndex) Properties() Properties { return r.idx.Properties() }

// Search is Index.Search.
func (r *ReadableIndex) Search(query []float32, k int, epsilon, radius float32) ([]SearchResult, error) {
	return r.idx.Search(query, k, epsilon, radius)
}

// SearchQuery is Index.SearchQuery.
func (r *ReadableIndex) SearchQuery(q Query) ([]SearchResult, error) {
	return r.idx.SearchQuery(q)
}

// LinearSearch is Index.LinearSearch.
func (r *ReadableIndex) LinearSearch(query []float32, k int) ([]SearchResult, error) {
	return r.idx.LinearSearch(query, k)
}

// Get is Index.Get.
func (r *ReadableIndex) Get(id uint32) ([]float32, error) { return r.idx.Get(id) }

// CountInserted is Index.CountInserted.
func (r *ReadableIndex) CountInserted() int { return r.idx.CountInserted() }

// CountIndexed is Index.CountIndexed.
func (r *ReadableIndex) CountIndexed() int { return r.idx.CountIndexed() }

// State is Index.State.
func (r *ReadableIndex) State() State { return r.idx.State() }

// Stats is Index.Stats.
func (r *ReadableIndex) Stats() (Stats, error) { return r.idx.Stats() }

// Close releases the index.
func (r *ReadableIndex) Close() error { return r.idx.Close() }
