package solver

// totals returns the aggregate affinity and cost of the room.
func (r *Relation) totals(room []int) (affinity, cost float64) {
	for i, x := range room {
		for _, y := range room[i+1:] {
			p := r.at(x, y)
			affinity += p.Affinity
			cost += p.Cost
		}
	}
	return affinity, cost
}

// contribution returns what extra would add to the room's aggregates if it
// joined. The room is not modified.
func (r *Relation) contribution(room []int, extra int) (affinity, cost float64) {
	for _, x := range room {
		p := r.at(x, extra)
		affinity += p.Affinity
		cost += p.Cost
	}
	return affinity, cost
}

// totalsWithout returns the aggregates of room with room[skip] left out.
func (r *Relation) totalsWithout(room []int, skip int) (affinity, cost float64) {
	for i, x := range room {
		if i == skip {
			continue
		}
		for j := i + 1; j < len(room); j++ {
			if j == skip {
				continue
			}
			p := r.at(x, room[j])
			affinity += p.Affinity
			cost += p.Cost
		}
	}
	return affinity, cost
}
