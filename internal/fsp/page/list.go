package page

// List is an intrusive singly-linked list of pages, linked through the
// pages' next field. It is not synchronized; callers guard it with the
// owning structure's lock.
//
// A page may sit on at most one list at a time; InsertLast panics if the
// page is already pooled (a page on two lists would be handed out twice).
type List struct {
	head *Page
	tail *Page
	size int
}

// IsEmpty reports whether the list holds no pages.
func (l *List) IsEmpty() bool {
	return l.head == nil
}

// Size returns the number of pages on the list.
func (l *List) Size() int {
	return l.size
}

// InsertLast appends p to the list.
func (l *List) InsertLast(p *Page) {
	if p.InAnyPool() {
		panic("page: inserting a page that is already on a list")
	}
	p.setFlag(flagInPool)
	p.next = nil
	if l.tail == nil {
		l.head = p
	} else {
		l.tail.next = p
	}
	l.tail = p
	l.size++
}

// RemoveFirst pops the first page, or returns nil when the list is empty.
func (l *List) RemoveFirst() *Page {
	p := l.head
	if p == nil {
		return nil
	}
	l.head = p.next
	if l.head == nil {
		l.tail = nil
	}
	p.next = nil
	p.clearFlag(flagInPool)
	l.size--
	return p
}
