package billing

// Lines is the ordered line-item store. It never recomputes on its own so
// several edits can share one recompute pass.
type Lines struct {
	items []LineItem
}

// NewLines wraps a copy of items.
func NewLines(items []LineItem) *Lines {
	cp := make([]LineItem, len(items))
	copy(cp, items)
	return &Lines{items: cp}
}

// Items returns a copy of the current items in order.
func (l *Lines) Items() []LineItem {
	if l == nil {
		return nil
	}
	cp := make([]LineItem, len(l.items))
	copy(cp, l.items)
	return cp
}

// Len reports the number of distinct products.
func (l *Lines) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// AddOrMerge increments the quantity of the item for ref.ID, or appends a new
// item with quantity 1.
func (l *Lines) AddOrMerge(ref ProductRef) LineItem {
	if i := l.index(ref.ID); i >= 0 {
		l.items[i].Quantity++
		return l.items[i]
	}
	item := LineItem{
		ProductID:     ref.ID,
		ProductName:   ref.Name,
		ProductCode:   ref.Code,
		UnitPrice:     ref.UnitPrice,
		GSTApplicable: ref.GSTApplicable,
		Quantity:      1,
	}
	l.items = append(l.items, item)
	return item
}

// SetQuantity sets the quantity for productID, coercing values below 1 to 1.
// Unknown products are ignored and reported with false.
func (l *Lines) SetQuantity(productID string, qty int) bool {
	i := l.index(productID)
	if i < 0 {
		return false
	}
	if qty < 1 {
		qty = 1
	}
	l.items[i].Quantity = qty
	return true
}

// Reset empties the list.
func (l *Lines) Reset() {
	l.items = nil
}

func (l *Lines) index(productID string) int {
	for i := range l.items {
		if l.items[i].ProductID == productID {
			return i
		}
	}
	return -1
}
