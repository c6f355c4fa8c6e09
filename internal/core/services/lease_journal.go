package services

import "github.com/sufield/rotor/internal/core/domain"

// NopLeaseJournal is used when no journal file is configured.
type NopLeaseJournal struct{}

func (NopLeaseJournal) Record(domain.LeaseRecord) error            { return nil }
func (NopLeaseJournal) Remove(string) error                        { return nil }
func (NopLeaseJournal) Outstanding() ([]domain.LeaseRecord, error) { return nil, nil }
func (NopLeaseJournal) Close() error                               { return nil }
