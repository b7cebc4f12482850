package core

// StringID is a stable handle into the interner. Handles are never reused
// for the lifetime of the process; only an explicit flush resets them.
type StringID int32

// NoString marks a nullable string reference.
const NoString StringID = -1

// Interner deduplicates domain, client and upstream strings into small
// integer handles. Strings are appended to a single growable byte arena;
// the index maps string contents back to their handle. Callers must not
// retain slices into the arena across Intern calls.
type Interner struct {
	arena   []byte
	offsets []uint32 // offsets[i] is the start of string i, end is offsets[i+1] or len(arena)
	index   map[string]StringID
}

// NewInterner creates an empty interner.
func NewInterner() *Interner {
	return &Interner{
		index: make(map[string]StringID, 256),
	}
}

// Intern returns the handle for s, adding it to the arena on first sight.
// Interning is idempotent: equal strings yield equal handles.
func (in *Interner) Intern(s string) StringID {
	if id, ok := in.index[s]; ok {
		return id
	}
	id := StringID(len(in.offsets))
	in.offsets = append(in.offsets, uint32(len(in.arena)))
	in.arena = append(in.arena, s...)
	// Key the index with a fresh copy so the caller's buffer can be
	// collected.
	stored := string(in.arena[in.offsets[id]:])
	in.index[stored] = id
	return id
}

// Get returns the string for a handle, or "" for NoString and out-of-range
// handles.
func (in *Interner) Get(id StringID) string {
	if id < 0 || int(id) >= len(in.offsets) {
		return ""
	}
	start := in.offsets[id]
	end := uint32(len(in.arena))
	if int(id)+1 < len(in.offsets) {
		end = in.offsets[id+1]
	}
	return string(in.arena[start:end])
}

// Len returns the number of interned strings.
func (in *Interner) Len() int {
	return len(in.offsets)
}

// Reset drops all strings. Only valid during an explicit log flush that
// tears down every table holding handles.
func (in *Interner) Reset() {
	in.arena = in.arena[:0]
	in.offsets = in.offsets[:0]
	in.index = make(map[string]StringID, 256)
}
