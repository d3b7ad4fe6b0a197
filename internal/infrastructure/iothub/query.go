package iothub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// TwinKind selects a family of devices in a TwinQuery.
type TwinKind int

const (
	// KindAll matches every device twin.
	KindAll TwinKind = iota
	// KindDevice matches leaf devices, including LoRaWAN devices.
	KindDevice
	// KindEdge matches IoT Edge devices.
	KindEdge
	// KindConcentrator matches LoRaWAN concentrators.
	KindConcentrator
)

// TwinQuery is a structured twin query rendered to the hub's SQL dialect.
type TwinQuery struct {
	Kind    TwinKind
	ModelID string
}

// SQL renders the query.
func (q TwinQuery) SQL() string {
	var conds []string
	switch q.Kind {
	case KindDevice:
		conds = append(conds,
			"capabilities.iotEdge = false",
			fmt.Sprintf("(NOT is_defined(tags.%s) OR tags.%s != %s)", TagDeviceType, TagDeviceType, Quote(DeviceTypeConcentrator)))
	case KindEdge:
		conds = append(conds, "capabilities.iotEdge = true")
	case KindConcentrator:
		conds = append(conds, fmt.Sprintf("tags.%s = %s", TagDeviceType, Quote(DeviceTypeConcentrator)))
	}
	if q.ModelID != "" {
		conds = append(conds, fmt.Sprintf("tags.%s = %s", TagModelID, Quote(q.ModelID)))
	}

	sql := "SELECT * FROM devices"
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	return sql
}

// Matches evaluates the query against a twin in memory.
func (q TwinQuery) Matches(t Twin) bool {
	isConcentrator := t.Tag(TagDeviceType) == DeviceTypeConcentrator
	switch q.Kind {
	case KindDevice:
		if t.IsEdge() || isConcentrator {
			return false
		}
	case KindEdge:
		if !t.IsEdge() {
			return false
		}
	case KindConcentrator:
		if !isConcentrator {
			return false
		}
	}
	return q.ModelID == "" || t.Tag(TagModelID) == q.ModelID
}

// Quote renders s as a query string literal.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

// QueryTwins runs q and returns one page of twins.
func (c *Client) QueryTwins(ctx context.Context, q TwinQuery, pageSize int, continuation string) (*QueryResult, error) {
	var twins []Twin
	headers, err := c.runQuery(ctx, q.SQL(), pageSize, continuation, &twins)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Twins: twins, ContinuationToken: headers.Get(headerContinuation)}, nil
}

// CountDevicesInScope counts the leaf devices attached to an edge device scope.
func (c *Client) CountDevicesInScope(ctx context.Context, scope string) (int, error) {
	if scope == "" {
		return 0, nil
	}
	var rows []struct {
		Count json.Number `json:"numberOfDevices"`
	}
	sql := "SELECT COUNT() AS numberOfDevices FROM devices WHERE capabilities.iotEdge = false AND deviceScope = " + Quote(scope)
	if _, err := c.runQuery(ctx, sql, 1, "", &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := rows[0].Count.Int64()
	if err != nil {
		return 0, fmt.Errorf("parsing device count: %w", err)
	}
	return int(n), nil
}

func (c *Client) runQuery(ctx context.Context, sql string, pageSize int, continuation string, out any) (http.Header, error) {
	headers := map[string]string{}
	if pageSize > 0 {
		headers[headerMaxItemCount] = strconv.Itoa(pageSize)
	}
	if continuation != "" {
		headers[headerContinuation] = continuation
	}
	return c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/devices/query",
		headers: headers,
		body:    map[string]string{"query": sql},
		out:     out,
	})
}
