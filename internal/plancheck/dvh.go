package plancheck

import (
	"fmt"

	"github.com/plancheck/plancheck/internal/platform/payload"
)

// ParseDVH decodes a DVH attachment into its named series. Samples that are
// not [dose, volume] pairs of numbers are dropped.
func ParseDVH(requestCID string, raw []byte) ([]DVHSeries, error) {
	root, err := payload.ParseSanitized(raw)
	if err != nil {
		return nil, &ParseError{RequestCID: requestCID, Payload: "dvh", Err: err}
	}
	list := root.Get("dvh")
	if !list.IsArray() {
		return nil, &ParseError{RequestCID: requestCID, Payload: "dvh", Err: fmt.Errorf("response has no dvh list")}
	}

	series := make([]DVHSeries, 0, list.Len())
	for _, item := range list.Items() {
		s := DVHSeries{
			Name:   item.Get("roiName").StringOr(""),
			Points: []DVHPoint{},
		}
		for _, sample := range item.Get("data").Items() {
			dose, dok := sample.Index(0).Float()
			vol, vok := sample.Index(1).Float()
			if !dok || !vok {
				continue
			}
			s.Points = append(s.Points, DVHPoint{Dose: dose, Volume: vol})
		}
		series = append(series, s)
	}
	return series, nil
}

// FindSeries returns the series whose name equals name exactly.
func FindSeries(series []DVHSeries, name string) (DVHSeries, bool) {
	for _, s := range series {
		if s.Name == name {
			return s, true
		}
	}
	return DVHSeries{}, false
}
