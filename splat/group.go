package splat

// ParamGroup names one optimizable per-primitive attribute.
type ParamGroup int

const (
	GroupXYZ          ParamGroup = iota // base positions (N,3)
	GroupFeaturesDC                     // SH DC term (N,1,3)
	GroupFeaturesRest                   // higher-order SH terms (N,K,3)
	GroupOpacity                        // opacity logit (N,1)
	GroupScaling                        // log scale (N,3)
	GroupRotation                       // raw quaternion (N,4)
	GroupCoefs                          // temporal basis coefficients (N,C,3,B)
)

// AllGroups lists the groups in registration order.
var AllGroups = []ParamGroup{
	GroupXYZ,
	GroupFeaturesDC,
	GroupFeaturesRest,
	GroupOpacity,
	GroupScaling,
	GroupRotation,
	GroupCoefs,
}

func (g ParamGroup) String() string {
	switch g {
	case GroupXYZ:
		return "xyz"
	case GroupFeaturesDC:
		return "f_dc"
	case GroupFeaturesRest:
		return "f_rest"
	case GroupOpacity:
		return "opacity"
	case GroupScaling:
		return "scaling"
	case GroupRotation:
		return "rotation"
	case GroupCoefs:
		return "coefs"
	default:
		return "unknown"
	}
}

// ParseParamGroup is the inverse of ParamGroup.String.
func ParseParamGroup(name string) (ParamGroup, bool) {
	for _, g := range AllGroups {
		if g.String() == name {
			return g, true
		}
	}
	return 0, false
}
