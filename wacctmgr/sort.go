package wacctmgr

import "sort"

// Descriptor is an externally supplied account descriptor, typically a
// balance row, that callers want displayed in catalog order.
type Descriptor struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance,omitempty"`
	Hidden  bool   `json:"hidden,omitempty"`
}

// CatalogOrder assigns each address in the catalog a numeric sort key by
// walking both forests depth first: root items in order, folder children in
// order, portfolio before watched.
func (c *Catalog) CatalogOrder() map[string]int {
	order := make(map[string]int)
	for i, addr := range c.Addresses() {
		order[addr] = i
	}
	return order
}

// SortByCatalogOrder returns the descriptors re-ordered by their catalog
// sort key.  Descriptors whose address is not present in the catalog sort
// last, keeping their original relative order.  The input slice is not
// modified.
func (c *Catalog) SortByCatalogOrder(descs []Descriptor) []Descriptor {
	order := c.CatalogOrder()
	out := make([]Descriptor, len(descs))
	copy(out, descs)
	sort.SliceStable(out, func(i, j int) bool {
		oi, iOK := order[out[i].Address]
		oj, jOK := order[out[j].Address]
		switch {
		case iOK && jOK:
			return oi < oj
		case iOK:
			return true
		default:
			return false
		}
	})
	return out
}
