package objstore

import "fmt"

// Link is a persistent container: an indexable sequence of references to
// persistent objects, stored inline in the image of the object that owns it.
//
// A Link holds OIDs, not instances; Get resolves an element through the
// owning store's cache. The owner is responsible for calling Modify after
// changing the Link.
type Link struct {
	store *Storage
	oids  []OID
}

// NewLink returns an empty Link resolving through s.
func NewLink(s *Storage) *Link { return &Link{store: s} }

// Size returns the number of elements.
func (l *Link) Size() int { return len(l.oids) }

// Add appends obj, making it persistent first when needed.
func (l *Link) Add(obj Object) error {
	oid, err := l.persist(obj)
	if err != nil {
		return err
	}
	l.oids = append(l.oids, oid)
	return nil
}

// Get returns the i-th element.
func (l *Link) Get(i int) (Object, error) {
	if i < 0 || i >= len(l.oids) {
		return nil, fmt.Errorf("link index %d out of range [0,%d)", i, len(l.oids))
	}
	return l.store.Get(l.oids[i])
}

// Set replaces the i-th element with obj.
func (l *Link) Set(i int, obj Object) error {
	if i < 0 || i >= len(l.oids) {
		return fmt.Errorf("link index %d out of range [0,%d)", i, len(l.oids))
	}
	oid, err := l.persist(obj)
	if err != nil {
		return err
	}
	l.oids[i] = oid
	return nil
}

// OID returns the i-th element without materializing it.
func (l *Link) OID(i int) OID { return l.oids[i] }

func (l *Link) setOID(i int, oid OID) { l.oids[i] = oid }
func (l *Link) addOID(oid OID)        { l.oids = append(l.oids, oid) }

// truncate shortens the Link to n elements.
func (l *Link) truncate(n int) { l.oids = l.oids[:n] }

func (l *Link) persist(obj Object) (OID, error) {
	if l.store == nil {
		return 0, fmt.Errorf("link: %w", ErrNotPersistent)
	}
	return l.store.MakePersistent(obj)
}

func (l *Link) encode(e *Encoder) {
	e.PutUvarint(uint64(len(l.oids)))
	for _, oid := range l.oids {
		e.PutOID(oid)
	}
}

func (l *Link) decode(d *Decoder, s *Storage) {
	n := d.Uvarint()
	if n > uint64(d.Len()) {
		d.fail("link")
		return
	}
	l.store = s
	l.oids = make([]OID, 0, n)
	for range n {
		l.oids = append(l.oids, d.OID())
	}
}
