package fhir

// ResourceType returns the resource's resourceType, or "" when absent.
func ResourceType(r *Object) string {
	s, _ := r.StringField("resourceType")
	return s
}

// ID returns the resource's id, or "" when absent or not a string.
func ID(r *Object) string {
	s, _ := r.StringField("id")
	return s
}

// Contained returns the object elements of the resource's contained array.
// Non-object elements are skipped.
func Contained(r *Object) []*Object {
	items, ok := r.ArrayField("contained")
	if !ok {
		return nil
	}
	out := make([]*Object, 0, len(items))
	for _, it := range items {
		if o := it.Object(); o != nil {
			out = append(out, o)
		}
	}
	return out
}

// ObjectItems returns the object elements of an array field. Missing fields,
// non-array values and non-object elements yield nothing.
func ObjectItems(r *Object, key string) []*Object {
	items, ok := r.ArrayField(key)
	if !ok {
		return nil
	}
	out := make([]*Object, 0, len(items))
	for _, it := range items {
		if o := it.Object(); o != nil {
			out = append(out, o)
		}
	}
	return out
}
