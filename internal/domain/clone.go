package domain

// Clone deep-copies the aggregate. Poll cycles fold battles into a clone so
// the live aggregate keeps its pre-cycle values if the commit fails.
func (a *SubjectAggregate) Clone() *SubjectAggregate {
	out := &SubjectAggregate{
		Total:     a.Total,
		ByMode:    make(map[string]*WinLoss, len(a.ByMode)),
		Opponents: make(map[string]*OpponentStats, len(a.Opponents)),
	}
	for mode, wl := range a.ByMode {
		c := *wl
		out.ByMode[mode] = &c
	}
	for tag, opp := range a.Opponents {
		c := *opp
		c.ByMode = make(map[string]*WinLoss, len(opp.ByMode))
		for mode, wl := range opp.ByMode {
			mc := *wl
			c.ByMode[mode] = &mc
		}
		out.Opponents[tag] = &c
	}
	return out
}
