package datamig

import (
	"sort"
	"strconv"
)

// Status compares migration files with the bookkeeping table
type Status struct {
	Local   []*Migration
	Applied []*Migration
	Pending []*Migration
	Missing []string // recorded in the database without a migration file
}

// sortByID orders migrations by identifier as an unsigned integer. The sort
// is stable so entries with the same identifier keep their discovery order
func sortByID(migrations []*Migration) {
	sort.SliceStable(migrations, func(i, j int) bool {
		return idValue(migrations[i].ID) < idValue(migrations[j].ID)
	})
}

func idValue(id string) uint64 {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// selectPending returns the migrations not yet applied, keeping the input order
func selectPending(migrations []*Migration) []*Migration {
	pending := make([]*Migration, 0, len(migrations))
	for _, m := range migrations {
		if !m.IsApplied {
			pending = append(pending, m)
		}
	}
	return pending
}

// selectRollback takes the last count applied migrations of an ascending
// list and returns them most recent first
func selectRollback(migrations []*Migration, count int) []*Migration {
	applied := make([]*Migration, 0, len(migrations))
	for _, m := range migrations {
		if m.IsApplied {
			applied = append(applied, m)
		}
	}

	if count < len(applied) {
		applied = applied[len(applied)-count:]
	}

	reversed := make([]*Migration, len(applied))
	for i, m := range applied {
		reversed[len(applied)-1-i] = m
	}
	return reversed
}

// compareStatus classifies local migrations and finds orphaned records
func compareStatus(local []*Migration, appliedIDs []string) *Status {
	localIDs := make(map[string]bool, len(local))
	for _, m := range local {
		localIDs[m.ID] = true
	}

	status := &Status{
		Local:   local,
		Applied: make([]*Migration, 0),
		Pending: make([]*Migration, 0),
		Missing: make([]string, 0),
	}

	for _, m := range local {
		if m.IsApplied {
			status.Applied = append(status.Applied, m)
		} else {
			status.Pending = append(status.Pending, m)
		}
	}

	for _, id := range appliedIDs {
		if !localIDs[id] {
			status.Missing = append(status.Missing, id)
		}
	}
	sort.Strings(status.Missing)

	return status
}
