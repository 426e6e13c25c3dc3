// Package publish maps parsed bulletin tables onto downstream refresh
// messages and fans them out through the provider's item streams.
package publish

import (
	"github.com/psychfeed/psychfeed/internal/config"
	"github.com/psychfeed/psychfeed/internal/provider"
)

// Entry resolves one bulletin row key to its downstream item. The stream
// reference here is the strong one; the provider's ric directory only
// expresses presence.
type Entry struct {
	RIC    string
	Topic  string
	Stream *provider.ItemStream
}

// ResourceQuery holds the row-key resolution table for one resource.
type ResourceQuery struct {
	Resource *config.Resource
	Items    map[string]Entry
}

// QueryVector is the process-wide resolution table, populated once at init
// and read-only at steady state. Duplicate rics, within a resource or across
// resources, share one ItemStream.
type QueryVector struct {
	queries []ResourceQuery
	byName  map[string]*ResourceQuery
}

// NewQueryVector allocates the item streams for every configured item and
// builds the per-resource lookup tables.
func NewQueryVector(resources []config.Resource, prov *provider.Provider) *QueryVector {
	qv := &QueryVector{
		queries: make([]ResourceQuery, 0, len(resources)),
		byName:  make(map[string]*ResourceQuery, len(resources)),
	}
	for i := range resources {
		r := &resources[i]
		q := ResourceQuery{
			Resource: r,
			Items:    make(map[string]Entry, len(r.Items)),
		}
		for key, item := range r.Items {
			q.Items[key] = Entry{
				RIC:    item.RIC,
				Topic:  item.Topic,
				Stream: prov.CreateItemStream(item.RIC),
			}
		}
		qv.queries = append(qv.queries, q)
	}
	for i := range qv.queries {
		qv.byName[qv.queries[i].Resource.Name] = &qv.queries[i]
	}
	return qv
}

// Lookup returns the query table for a resource name.
func (qv *QueryVector) Lookup(resourceName string) (*ResourceQuery, bool) {
	q, ok := qv.byName[resourceName]
	return q, ok
}

// Queries returns the per-resource tables in configuration order.
func (qv *QueryVector) Queries() []ResourceQuery { return qv.queries }
