package publish

import (
	"log"
	"math"

	"github.com/psychfeed/psychfeed/internal/bulletin"
	"github.com/psychfeed/psychfeed/internal/config"
	"github.com/psychfeed/psychfeed/internal/counters"
	"github.com/psychfeed/psychfeed/internal/dacs"
	"github.com/psychfeed/psychfeed/internal/omm"
	"github.com/psychfeed/psychfeed/internal/provider"
)

// Mapper turns parsed tables into unsolicited refreshes: one per row whose
// key resolves through the query vector, published in payload order.
type Mapper struct {
	qv          *QueryVector
	prov        *provider.Provider
	counters    *counters.Collector
	serviceName string

	// dacsID is the numeric service id for permission locks, 0 disables.
	dacsID uint32
}

// NewMapper builds the mapper for a service.
func NewMapper(qv *QueryVector, prov *provider.Provider, coll *counters.Collector, serviceName string, dacsID uint32) *Mapper {
	return &Mapper{
		qv:          qv,
		prov:        prov,
		counters:    coll,
		serviceName: serviceName,
		dacsID:      dacsID,
	}
}

// Result summarizes one table's fan-out.
type Result struct {
	RowsPublished int
	RowsSkipped   int
	MsgsSent      int
}

// PublishTable emits one refresh per resolvable row. Rows without an item
// mapping are counted and skipped; submit failures inside the provider do not
// stop the remaining rows.
func (m *Mapper) PublishTable(resource *config.Resource, table *bulletin.Table) Result {
	var res Result
	q, ok := m.qv.Lookup(resource.Name)
	if !ok {
		log.Printf("[publish] resource %q has no query table, dropping %d rows", resource.Name, len(table.Rows))
		return res
	}

	lock := m.encodeLock(resource)
	for i := range table.Rows {
		row := &table.Rows[i]
		entry, ok := q.Items[row.Key]
		if !ok {
			m.counters.RecordRowSkipped()
			res.RowsSkipped++
			continue
		}
		msg := m.buildRefresh(resource, table, row, entry.RIC)
		msg.PermissionData = lock
		res.MsgsSent += m.prov.Send(entry.Stream, msg)
		m.counters.RecordRowsPublished(1)
		res.RowsPublished++
	}
	return res
}

// buildRefresh binds the identity fields and the mapped numeric columns for
// one row. NaN cells publish as blank Real64 entries; columns missing from
// the resource's field map are skipped.
func (m *Mapper) buildRefresh(resource *config.Resource, table *bulletin.Table, row *bulletin.Row, ric string) *omm.RefreshMsg {
	fields := make([]omm.FieldEntry, 0, 4+len(row.Values))
	fields = append(fields,
		omm.ASCIIField(omm.FIDStockRIC, ric),
		omm.RMTESField(omm.FIDSFName, resource.Source),
		omm.RMTESField(omm.FIDEngineVer, table.EngineVersion),
		omm.RMTESField(omm.FIDTimestamp, table.CloseTimestamp()),
	)
	for c, value := range row.Values {
		label := table.Columns[c+1]
		fid, mapped := resource.Fields[label]
		if !mapped {
			continue
		}
		if math.IsNaN(value) {
			fields = append(fields, omm.BlankRealField(fid))
			continue
		}
		fields = append(fields, omm.RealField(fid, bulletin.Mantissa(value), bulletin.MantissaExponent))
	}

	return &omm.RefreshMsg{
		ServiceName: m.serviceName,
		ItemName:    ric,
		Stream:      omm.StreamOpen,
		Data:        omm.DataOk,
		Unsolicited: true,
		Complete:    true,
		ClearCache:  true,
		Fields:      fields,
	}
}

// encodeLock builds the permission lock for a resource's entitlement code.
// Encoding failures publish unlocked and bump the warning counter.
func (m *Mapper) encodeLock(resource *config.Resource) []byte {
	if m.dacsID == 0 {
		return nil
	}
	lock, err := dacs.Encode(m.dacsID, dacs.CombineOr, []uint32{resource.EntitlementCode})
	if err != nil {
		m.counters.RecordLockEncodeFailure()
		log.Printf("[publish] resource %q: permission lock failed, publishing unlocked: %v", resource.Name, err)
		return nil
	}
	return lock
}
