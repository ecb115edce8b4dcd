package store

import "github.com/lib/pq"

// pqStringArray adapts a *[]string for scanning a Postgres text[] column.
func pqStringArray(dest *[]string) any {
	return pq.Array(dest)
}

// pqStringArrayValue adapts a []string for binding as a Postgres text[] column.
func pqStringArrayValue(values []string) any {
	return pq.Array(values)
}
