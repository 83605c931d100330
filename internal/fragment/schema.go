package fragment

// Info names a fragment. The set of fragments (the schema) is fixed per
// chain kind and shared by the ingestion pipeline and the stream engine.
type Info struct {
	ID   ID
	Name string
}

// Schema is the ordered list of body fragments a chain produces.
type Schema []Info

// Name returns the name of the fragment with the given id.
func (s Schema) Name(id ID) (string, bool) {
	for _, info := range s {
		if info.ID == id {
			return info.Name, true
		}
	}
	return "", false
}

// IDToName returns a lookup map from fragment id to name, including the
// header fragment.
func (s Schema) IDToName() map[ID]string {
	out := make(map[ID]string, len(s)+1)
	out[HeaderID] = HeaderName
	for _, info := range s {
		out[info.ID] = info.Name
	}
	return out
}
