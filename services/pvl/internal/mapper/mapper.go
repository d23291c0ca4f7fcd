package mapper

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"planlane/pkg/domain"
	"planlane/services/pvl/internal/refdata"
)

const dateLayout = "2006-01-02"

// Mapper translates plans into the registry exchange representation.
// Mapping is pure: no I/O, and identical plan content always yields
// byte-identical payloads.
type Mapper struct {
	codes refdata.Resolver
	srid  int
}

func New(codes refdata.Resolver, srid int) *Mapper {
	return &Mapper{codes: codes, srid: srid}
}

type ExchangePayload struct {
	PlanKey                 string             `json:"planKey"`
	PermanentPlanIdentifier string             `json:"permanentPlanIdentifier,omitempty"`
	Name                    string             `json:"name,omitempty"`
	LifeCycleStatus         string             `json:"lifeCycleStatus"`
	Scale                   int                `json:"scale,omitempty"`
	PlanDescription         string             `json:"planDescription,omitempty"`
	GeographicalArea        GeographicalArea   `json:"geographicalArea"`
	ApprovalDate            string             `json:"approvalDate,omitempty"`
	PeriodOfValidity        *Period            `json:"periodOfValidity,omitempty"`
	PlanObjects             []ExchangeObject   `json:"planObjects"`
	PlanRegulationGroups    []ExchangeRegGroup `json:"planRegulationGroups"`
}

type GeographicalArea struct {
	SRID     string          `json:"srid"`
	Geometry json.RawMessage `json:"geometry"`
}

type Period struct {
	Begin string `json:"begin"`
	End   string `json:"end,omitempty"`
}

type ExchangeObject struct {
	PlanObjectKey string           `json:"planObjectKey"`
	Name          string           `json:"name,omitempty"`
	Kind          string           `json:"type"`
	Geometry      GeographicalArea `json:"geometry"`
}

type ExchangeRegGroup struct {
	GroupKey    string               `json:"planRegulationGroupKey"`
	ShortName   string               `json:"shortName,omitempty"`
	Regulations []ExchangeRegulation `json:"planRegulations"`
}

type ExchangeRegulation struct {
	Kind  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// MarshalCanonical serializes the payload for submission and
// fingerprint comparison. Struct field order keeps the bytes stable.
func (p *ExchangePayload) MarshalCanonical() ([]byte, error) {
	return json.Marshal(p)
}

// ToExchangePayload maps one plan. All defects are collected into a
// single SchemaMappingError so planners see every problem at once.
func (m *Mapper) ToExchangePayload(plan domain.Plan) (*ExchangePayload, error) {
	var issues []domain.ValidationIssue
	add := func(path, code, msg string) {
		issues = append(issues, domain.ValidationIssue{FieldPath: path, Code: code, Message: msg})
	}

	if plan.ID == "" {
		add("planKey", "required.missing", "plan identifier is required")
	}

	lifecycle := ""
	if plan.LifecycleStatus == "" {
		add("lifeCycleStatus", "required.missing", "lifecycle status is required")
	} else if code, err := m.resolve(refdata.ListLifecycleStatus, plan.LifecycleStatus, "lifeCycleStatus", add); err == nil {
		lifecycle = code.URI
	}

	var areaGeom json.RawMessage
	if len(plan.Geometry) == 0 {
		add("geographicalArea.geometry", "required.missing", "plan geometry is required")
	} else {
		areaGeom = m.validateAreaGeometry("geographicalArea.geometry", plan.Geometry, add)
		if plan.SRID != m.srid {
			add("geographicalArea.srid", "geometry.srid_mismatch",
				fmt.Sprintf("geometry uses SRID %d, registry requires %d", plan.SRID, m.srid))
		}
	}

	objects := make([]ExchangeObject, 0, len(plan.Objects))
	for i, o := range plan.Objects {
		path := fmt.Sprintf("planObjects[%d]", i)
		if o.Key == "" {
			add(path+".planObjectKey", "required.missing", "plan object key is required")
		}
		kind := ""
		if o.Kind == "" {
			add(path+".type", "required.missing", "plan object kind is required")
		} else if code, err := m.resolve(refdata.ListPlanObjectKind, o.Kind, path+".type", add); err == nil {
			kind = code.URI
		}
		var geom json.RawMessage
		if len(o.Geometry) == 0 {
			add(path+".geometry", "required.missing", "plan object geometry is required")
		} else {
			geom = m.validateObjectGeometry(path+".geometry", o.Geometry, add)
		}
		objects = append(objects, ExchangeObject{
			PlanObjectKey: o.Key,
			Name:          o.Name,
			Kind:          kind,
			Geometry:      GeographicalArea{SRID: fmt.Sprint(m.srid), Geometry: geom},
		})
	}

	groups := make([]ExchangeRegGroup, 0, len(plan.RegulationGroups))
	for i, g := range plan.RegulationGroups {
		path := fmt.Sprintf("planRegulationGroups[%d]", i)
		if g.Key == "" {
			add(path+".planRegulationGroupKey", "required.missing", "regulation group key is required")
		}
		regs := make([]ExchangeRegulation, 0, len(g.Regulations))
		for j, r := range g.Regulations {
			rpath := fmt.Sprintf("%s.planRegulations[%d].type", path, j)
			kind := ""
			if r.Kind == "" {
				add(rpath, "required.missing", "regulation kind is required")
			} else if code, err := m.resolve(refdata.ListRegulationKind, r.Kind, rpath, add); err == nil {
				kind = code.URI
			}
			regs = append(regs, ExchangeRegulation{Kind: kind, Value: r.Value})
		}
		groups = append(groups, ExchangeRegGroup{GroupKey: g.Key, ShortName: g.ShortName, Regulations: regs})
	}

	if len(issues) > 0 {
		return nil, &domain.SchemaMappingError{PlanID: plan.ID, Issues: issues}
	}

	payload := &ExchangePayload{
		PlanKey:                 plan.ID,
		PermanentPlanIdentifier: plan.PermanentIdentifier,
		Name:                    plan.Name,
		LifeCycleStatus:         lifecycle,
		Scale:                   plan.Scale,
		PlanDescription:         plan.Description,
		GeographicalArea:        GeographicalArea{SRID: fmt.Sprint(m.srid), Geometry: areaGeom},
		PlanObjects:             objects,
		PlanRegulationGroups:    groups,
	}
	if plan.ApprovedAt != nil {
		payload.ApprovalDate = plan.ApprovedAt.Format(dateLayout)
	}
	if plan.ValidFrom != nil {
		period := &Period{Begin: plan.ValidFrom.Format(dateLayout)}
		if plan.ValidTo != nil {
			period.End = plan.ValidTo.Format(dateLayout)
		}
		payload.PeriodOfValidity = period
	}
	return payload, nil
}

func (m *Mapper) resolve(list, value, path string, add func(string, string, string)) (domain.CanonicalCode, error) {
	code, err := m.codes.Resolve(list, value)
	if err != nil {
		if errors.Is(err, domain.ErrCodeNotFound) {
			add(path, "code.unknown", fmt.Sprintf("value %q is not in code list %s", value, list))
		} else {
			add(path, "code.resolve_failed", err.Error())
		}
		return domain.CanonicalCode{}, err
	}
	return code, nil
}

// validateAreaGeometry requires an areal geometry with sound rings and
// returns its normalized encoding.
func (m *Mapper) validateAreaGeometry(path string, raw json.RawMessage, add func(string, string, string)) json.RawMessage {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		add(path, "geometry.invalid", "geometry is not valid GeoJSON: "+err.Error())
		return nil
	}
	switch geom := g.Geometry().(type) {
	case orb.Polygon:
		m.polygonIssues(path, geom, add)
	case orb.MultiPolygon:
		for i, poly := range geom {
			m.polygonIssues(fmt.Sprintf("%s[%d]", path, i), poly, add)
		}
	default:
		add(path, "geometry.invalid", fmt.Sprintf("plan area must be a Polygon or MultiPolygon, got %s", g.Geometry().GeoJSONType()))
		return nil
	}
	return marshalGeometry(g.Geometry())
}

// validateObjectGeometry accepts any geometry kind but still checks
// polygonal rings when present.
func (m *Mapper) validateObjectGeometry(path string, raw json.RawMessage, add func(string, string, string)) json.RawMessage {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		add(path, "geometry.invalid", "geometry is not valid GeoJSON: "+err.Error())
		return nil
	}
	switch geom := g.Geometry().(type) {
	case orb.Polygon:
		m.polygonIssues(path, geom, add)
	case orb.MultiPolygon:
		for i, poly := range geom {
			m.polygonIssues(fmt.Sprintf("%s[%d]", path, i), poly, add)
		}
	}
	return marshalGeometry(g.Geometry())
}

func (m *Mapper) polygonIssues(path string, poly orb.Polygon, add func(string, string, string)) {
	if len(poly) == 0 {
		add(path, "geometry.invalid", "polygon has no rings")
		return
	}
	for i, ring := range poly {
		rpath := path
		if i > 0 {
			rpath = fmt.Sprintf("%s.interior[%d]", path, i-1)
		}
		if len(ring) < 4 {
			add(rpath, "geometry.invalid", "ring has fewer than four positions")
			continue
		}
		if !ring.Closed() {
			add(rpath, "geometry.invalid", "ring is not closed")
			continue
		}
		if ringSelfIntersects(ring) {
			add(rpath, "geometry.invalid", "ring self-intersects")
		}
	}
	if planar.Area(poly) == 0 {
		add(path, "geometry.invalid", "polygon has zero area")
	}
}

func marshalGeometry(g orb.Geometry) json.RawMessage {
	b, err := json.Marshal(geojson.NewGeometry(g))
	if err != nil {
		return nil
	}
	return b
}

// ringSelfIntersects reports whether any two non-adjacent segments of
// a closed ring properly cross. Quadratic, which is fine at plan ring
// sizes.
func ringSelfIntersects(r orb.Ring) bool {
	n := len(r) - 1
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue
			}
			if segmentsCross(r[i], r[i+1], r[j], r[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(a, b, c, d orb.Point) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(p, q, r orb.Point) float64 {
	return (q[0]-p[0])*(r[1]-p[1]) - (q[1]-p[1])*(r[0]-p[0])
}
