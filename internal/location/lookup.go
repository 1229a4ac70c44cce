package location

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// ErrInvalidRange reports a malformed static table entry.
var ErrInvalidRange = errors.New("invalid static range")

// GeoRecord is what a lookup knows about an address.
type GeoRecord struct {
	Country         string
	ASNOrganization string
}

// GeoLookup maps an address to a country. found is false when the source has no record.
type GeoLookup interface {
	Lookup(ctx context.Context, address netip.Addr) (record GeoRecord, found bool, err error)
}

// StaticRange is one configured CIDR mapping.
type StaticRange struct {
	CIDR            string `mapstructure:"cidr"`
	Country         string `mapstructure:"country"`
	ASNOrganization string `mapstructure:"asn_organization"`
}

type staticPrefix struct {
	prefix netip.Prefix
	record GeoRecord
}

// StaticTable resolves addresses from an in-memory CIDR table; the longest matching prefix wins.
type StaticTable struct {
	prefixes []staticPrefix
}

// NewStaticTable parses ranges into a lookup table.
func NewStaticTable(ranges []StaticRange) (*StaticTable, error) {
	table := &StaticTable{prefixes: make([]staticPrefix, 0, len(ranges))}
	for _, entry := range ranges {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(entry.CIDR))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRange, entry.CIDR, err)
		}
		country := strings.ToUpper(strings.TrimSpace(entry.Country))
		if len(country) != 2 {
			return nil, fmt.Errorf("%w: %q: country %q", ErrInvalidRange, entry.CIDR, entry.Country)
		}
		table.prefixes = append(table.prefixes, staticPrefix{
			prefix: prefix.Masked(),
			record: GeoRecord{Country: country, ASNOrganization: strings.TrimSpace(entry.ASNOrganization)},
		})
	}
	sort.SliceStable(table.prefixes, func(left, right int) bool {
		return table.prefixes[left].prefix.Bits() > table.prefixes[right].prefix.Bits()
	})
	return table, nil
}

// Lookup implements GeoLookup.
func (table *StaticTable) Lookup(_ context.Context, address netip.Addr) (GeoRecord, bool, error) {
	address = address.Unmap()
	for _, entry := range table.prefixes {
		if entry.prefix.Contains(address) {
			return entry.record, true, nil
		}
	}
	return GeoRecord{}, false, nil
}

// MaxMindLookup reads GeoLite2/GeoIP2 country and ASN databases.
type MaxMindLookup struct {
	countryReader *geoip2.Reader
	asnReader     *geoip2.Reader
}

// OpenMaxMind opens the country database and, when asnPath is set, the ASN database.
func OpenMaxMind(countryPath string, asnPath string) (*MaxMindLookup, error) {
	countryReader, err := geoip2.Open(countryPath)
	if err != nil {
		return nil, fmt.Errorf("open country database: %w", err)
	}
	lookup := &MaxMindLookup{countryReader: countryReader}
	if strings.TrimSpace(asnPath) != "" {
		asnReader, err := geoip2.Open(asnPath)
		if err != nil {
			_ = countryReader.Close()
			return nil, fmt.Errorf("open asn database: %w", err)
		}
		lookup.asnReader = asnReader
	}
	return lookup, nil
}

// Lookup implements GeoLookup.
func (lookup *MaxMindLookup) Lookup(_ context.Context, address netip.Addr) (GeoRecord, bool, error) {
	ip := net.IP(address.Unmap().AsSlice())
	country, err := lookup.countryReader.Country(ip)
	if err != nil {
		return GeoRecord{}, false, err
	}
	record := GeoRecord{Country: country.Country.IsoCode}
	if lookup.asnReader != nil {
		asn, err := lookup.asnReader.ASN(ip)
		if err == nil {
			record.ASNOrganization = asn.AutonomousSystemOrganization
		}
	}
	return record, record.Country != "", nil
}

// Close releases the database handles.
func (lookup *MaxMindLookup) Close() error {
	var asnErr error
	if lookup.asnReader != nil {
		asnErr = lookup.asnReader.Close()
	}
	return errors.Join(lookup.countryReader.Close(), asnErr)
}

// ChainLookup asks each lookup in order; the first match wins.
type ChainLookup []GeoLookup

// Lookup implements GeoLookup. Errors from earlier sources are returned only when nothing matched.
func (chain ChainLookup) Lookup(ctx context.Context, address netip.Addr) (GeoRecord, bool, error) {
	var lookupErrors []error
	for _, lookup := range chain {
		record, found, err := lookup.Lookup(ctx, address)
		if err != nil {
			lookupErrors = append(lookupErrors, err)
			continue
		}
		if found {
			return record, true, nil
		}
	}
	return GeoRecord{}, false, errors.Join(lookupErrors...)
}
