package econn

// Props is an insertion-ordered string-to-string dictionary carried
// inside SETUP, UPDATE and PROPSYNC messages. Order is preserved so
// re-encoding a message that was only decoded (never mutated)
// round-trips byte-for-byte, and unknown keys are kept verbatim so a
// peer running a newer protocol version doesn't lose data bouncing
// through an older one.
type Props struct {
	keys []string
	vals map[string]string
}

// NewProps returns an empty, ready to use Props.
func NewProps() *Props {
	return &Props{vals: make(map[string]string)}
}

// Clone returns a deep copy, preserving key order.
func (p *Props) Clone() *Props {
	if p == nil {
		return NewProps()
	}
	c := &Props{
		keys: append([]string(nil), p.keys...),
		vals: make(map[string]string, len(p.vals)),
	}
	for k, v := range p.vals {
		c.vals[k] = v
	}
	return c
}

// Get returns the value for key and whether it was present.
func (p *Props) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p.vals[key]
	return v, ok
}

// GetOr returns the value for key, or def if key is absent.
func (p *Props) GetOr(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// Set adds key if new, or updates it in place if it already exists.
// Updating in place (rather than re-appending) is what keeps
// insertion order stable under repeated Set calls, matching
// econn_props_update in the reference protocol.
func (p *Props) Set(key, val string) {
	if p == nil {
		return
	}
	if p.vals == nil {
		p.vals = make(map[string]string)
	}
	if _, exists := p.vals[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = val
}

// Keys returns the keys in insertion order.
func (p *Props) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Len reports the number of entries.
func (p *Props) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Equal reports whether p and other carry the same key/value pairs,
// ignoring order.
func (p *Props) Equal(other *Props) bool {
	if p.Len() != other.Len() {
		return false
	}
	for _, k := range p.Keys() {
		v1, _ := p.Get(k)
		v2, ok := other.Get(k)
		if !ok || v1 != v2 {
			return false
		}
	}
	return true
}

// Common well-known property keys negotiated during SETUP/UPDATE.
const (
	PropVideoSend  = "videosend"
	PropAudioCBR   = "audiocbr"
	PropScreenSend = "screensend"
)
