package state

// ItemRef identifies one item instance inside a world document: the spatial
// container holding it and its index within that container's item list. Spot
// is empty when the item attaches directly to an area.
type ItemRef struct {
	Location string
	Area     string
	Spot     string
	Index    int
	Item     Item
}

// FindItem scans the whole world for an item instance. Used to distinguish
// "gone entirely" from "somewhere else" when a precondition fails.
func (w *World) FindItem(instanceID string) (ItemRef, bool) {
	for locID, loc := range w.Locations {
		for areaID, area := range loc.Areas {
			for i, it := range area.Items {
				if it.InstanceID == instanceID {
					return ItemRef{Location: locID, Area: areaID, Index: i, Item: it}, true
				}
			}
			for spotID, spot := range area.Spots {
				for i, it := range spot.Items {
					if it.InstanceID == instanceID {
						return ItemRef{Location: locID, Area: areaID, Spot: spotID, Index: i, Item: it}, true
					}
				}
			}
		}
	}
	return ItemRef{}, false
}

// ItemsAt returns the items at the position: the spot's items when the
// position names a spot, the area's items otherwise. The slice aliases the
// world document; treat it as read-only.
func (w *World) ItemsAt(pos Position) []Item {
	if spot := w.SpotAt(pos); spot != nil {
		return spot.Items
	}
	if area := w.AreaAt(pos); area != nil {
		return area.Items
	}
	return nil
}

// AreaItems returns every item in the area at pos, spot items included.
// Admin surfaces use this to show hidden items.
func (w *World) AreaItems(pos Position) []Item {
	area := w.AreaAt(pos)
	if area == nil {
		return nil
	}
	items := append([]Item(nil), area.Items...)
	for _, spot := range area.Spots {
		items = append(items, spot.Items...)
	}
	return items
}

// RemoveItem removes the referenced item from the world, returning it.
// Map values are copied on access, so containers are reassigned after edit.
func (w *World) RemoveItem(ref ItemRef) Item {
	loc := w.Locations[ref.Location]
	area := loc.Areas[ref.Area]
	var removed Item
	if ref.Spot == "" {
		removed = area.Items[ref.Index]
		area.Items = append(area.Items[:ref.Index], area.Items[ref.Index+1:]...)
	} else {
		spot := area.Spots[ref.Spot]
		removed = spot.Items[ref.Index]
		spot.Items = append(spot.Items[:ref.Index], spot.Items[ref.Index+1:]...)
		area.Spots[ref.Spot] = spot
	}
	loc.Areas[ref.Area] = area
	w.Locations[ref.Location] = loc
	return removed
}

// AddItem places an item at the position: into the spot when one is named
// and exists, into the area otherwise.
func (w *World) AddItem(pos Position, item Item) {
	loc := w.Locations[pos.Location]
	area := loc.Areas[pos.Area]
	if pos.Spot != "" {
		if spot, ok := area.Spots[pos.Spot]; ok {
			spot.Items = append(spot.Items, item)
			area.Spots[pos.Spot] = spot
			loc.Areas[pos.Area] = area
			w.Locations[pos.Location] = loc
			return
		}
	}
	area.Items = append(area.Items, item)
	loc.Areas[pos.Area] = area
	w.Locations[pos.Location] = loc
}

// SetItem writes the item back at its reference, after in-place edits.
func (w *World) SetItem(ref ItemRef, item Item) {
	loc := w.Locations[ref.Location]
	area := loc.Areas[ref.Area]
	if ref.Spot == "" {
		area.Items[ref.Index] = item
	} else {
		spot := area.Spots[ref.Spot]
		spot.Items[ref.Index] = item
		area.Spots[ref.Spot] = spot
	}
	loc.Areas[ref.Area] = area
	w.Locations[ref.Location] = loc
}

// AtPosition reports whether the reference sits inside the position's
// container: same location and area, and same spot when the position names
// one.
func (r ItemRef) AtPosition(pos Position) bool {
	if r.Location != pos.Location || r.Area != pos.Area {
		return false
	}
	if pos.Spot == "" {
		return true
	}
	return r.Spot == pos.Spot
}
