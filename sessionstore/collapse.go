package sessionstore

// CollapseByIdentity is the display-level transform that folds multiple
// sessions of the same identity into one entry, keeping the most recently
// accessed. Anonymous sessions collapse into a single entry regardless of
// user id. The store itself never deduplicates; this exists for
// presentation layers that want a per-identity account list.
func CollapseByIdentity(records []Record) []Record {
	keyOf := func(r Record) string {
		if r.Identity == IdentityAnonymous {
			return string(IdentityAnonymous)
		}
		return string(r.Identity) + "|" + r.UserID
	}

	var out []Record
	seen := make(map[string]int)
	for _, r := range records {
		k := keyOf(r)
		if i, ok := seen[k]; ok {
			if r.LastAccessedAt.After(out[i].LastAccessedAt) {
				out[i] = r
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, r)
	}
	return out
}
