package iscsi

import "strconv"

// Category classifies how a login/text key negotiates.
type Category int

const (
	Declarative Category = iota
	Numerical
	NumericalZeroUnbounded
	List
	BinaryOr
	BinaryAnd
)

// Param is one entry in the negotiated parameter table: its category, the
// locally stored/maximum value, and (for List) the ordered set of valid
// values used to pick "first local value found in the offer order".
type Param struct {
	Name     string
	Category Category
	Value    string
	Valid    []string
}

// DefaultParams returns the parameter table's defaults, keyed by name.
// bufferSize bounds MaxBurstLength.
func DefaultParams(bufferSize int) map[string]*Param {
	bs := strconv.Itoa(bufferSize)
	return map[string]*Param{
		"AuthMethod":               {Name: "AuthMethod", Category: List, Value: "None", Valid: []string{"None", "CHAP"}},
		"HeaderDigest":             {Name: "HeaderDigest", Category: List, Value: "None", Valid: []string{"None"}},
		"DataDigest":               {Name: "DataDigest", Category: List, Value: "None", Valid: []string{"None"}},
		"MaxConnections":           {Name: "MaxConnections", Category: Numerical, Value: "1", Valid: []string{"1"}},
		"InitialR2T":               {Name: "InitialR2T", Category: BinaryOr, Value: "Yes"},
		"ImmediateData":            {Name: "ImmediateData", Category: BinaryAnd, Value: "Yes"},
		"MaxRecvDataSegmentLength": {Name: "MaxRecvDataSegmentLength", Category: NumericalZeroUnbounded, Value: "262144"},
		"FirstBurstLength":         {Name: "FirstBurstLength", Category: NumericalZeroUnbounded, Value: "262144"},
		"MaxBurstLength":           {Name: "MaxBurstLength", Category: NumericalZeroUnbounded, Value: bs},
		"DefaultTime2Wait":         {Name: "DefaultTime2Wait", Category: Numerical, Value: "2"},
		"DefaultTime2Retain":       {Name: "DefaultTime2Retain", Category: Numerical, Value: "20"},
		"ErrorRecoveryLevel":       {Name: "ErrorRecoveryLevel", Category: Numerical, Value: "0"},
		"SessionType":              {Name: "SessionType", Category: Declarative, Value: "Normal", Valid: []string{"Normal", "Discovery"}},
	}
}

// Negotiate applies the category rule for p against a single offered
// value, returning the response value to send back. An unrecognized
// Binary offer counts as "No" (so the Or/And rule still applies to the
// local value) and an unparsable Numerical offer yields the local value,
// rather than erroring; malformed text is handled at the PDU-reject level,
// not here.
func (p *Param) Negotiate(offer string) string {
	switch p.Category {
	case Declarative:
		return p.Value
	case BinaryOr:
		if isYes(p.Value) || isYes(offer) {
			return "Yes"
		}
		return "No"
	case BinaryAnd:
		if isYes(p.Value) && isYes(offer) {
			return "Yes"
		}
		return "No"
	case Numerical:
		local, lerr := strconv.Atoi(p.Value)
		remote, rerr := strconv.Atoi(offer)
		if lerr != nil || rerr != nil {
			return p.Value
		}
		if remote < local {
			return strconv.Itoa(remote)
		}
		return strconv.Itoa(local)
	case NumericalZeroUnbounded:
		local, lerr := strconv.Atoi(p.Value)
		remote, rerr := strconv.Atoi(offer)
		if lerr != nil || rerr != nil {
			return p.Value
		}
		if local == 0 {
			return strconv.Itoa(remote)
		}
		if remote == 0 {
			return strconv.Itoa(local)
		}
		if remote < local {
			return strconv.Itoa(remote)
		}
		return strconv.Itoa(local)
	case List:
		offered := splitList(offer)
		for _, v := range offered {
			for _, local := range p.Valid {
				if v == local {
					return v
				}
			}
		}
		return p.Value
	default:
		return p.Value
	}
}

func isYes(s string) bool { return s == "Yes" }

func splitList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
