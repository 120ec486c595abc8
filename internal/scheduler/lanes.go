package scheduler

// Lane is a descriptive grouping label. It never affects scheduling.
type Lane string

const (
	LaneBuild     Lane = "build"
	LaneQuality   Lane = "quality"
	LanePlatform  Lane = "platform"
	LaneKnowledge Lane = "knowledge"
	LaneGeneral   Lane = "general"
)

// ClassifyLane maps a category to its lane. Unrecognized categories land in
// LaneGeneral.
func ClassifyLane(c Category) Lane {
	switch c {
	case CategoryFeature, CategoryRefactor:
		return LaneBuild
	case CategoryBugfix, CategoryTest:
		return LaneQuality
	case CategoryInfra, CategorySecurity:
		return LanePlatform
	case CategoryDocs, CategoryResearch:
		return LaneKnowledge
	default:
		return LaneGeneral
	}
}
