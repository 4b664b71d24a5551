// Package eds loads Object Dictionary metadata from a CANopen Electronic
// Data Sheet file: the (index, subindex) -> parameter-name map used to
// resolve human-readable names, and the cob-id -> mapped-entries table used
// to decode PDOs. It is grounded on the upstream EDS parser
// (pkg/od/parser_v1.go), which drives the same INI-style sections through
// gopkg.in/ini.v1, but is read-only: this resolver never builds a runnable
// Object Dictionary, only the two lookup tables the processor needs.
package eds

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Key identifies a single Object Dictionary entry.
type Key struct {
	Index uint16
	Sub   uint8
}

// MappingEntry is one (index, subindex, size) tuple decoded from a PDO
// mapping object (1Axx).
type MappingEntry struct {
	Index    uint16
	Sub      uint8
	SizeBits uint8
}

// Map is the immutable result of parsing an EDS file. An empty Map (as
// returned by Empty, and by Parse when no path is supplied) has empty tables
// and resolves every lookup to the hex fallback.
type Map struct {
	NameMap map[Key]string
	PDOMap  map[uint16][]MappingEntry
}

var (
	indexRe    = regexp.MustCompile(`^(?:0x)?[0-9A-Fa-f]+$`)
	subIndexRe = regexp.MustCompile(`(?i)^(?:0x)?([0-9A-Fa-f]+)sub([0-9A-Fa-f]+)$`)
)

// Empty returns a Map with no entries, used when no EDS path is configured.
func Empty() *Map {
	return &Map{NameMap: map[Key]string{}, PDOMap: map[uint16][]MappingEntry{}}
}

// Name resolves (index, sub) to a human-readable parameter name, falling
// back to "0x{index:04X}:{sub}" when unresolved.
func (m *Map) Name(index uint16, sub uint8) string {
	if name, ok := m.NameMap[Key{index, sub}]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X:%d", index, sub)
}

// Parse loads an EDS file from path and builds its name map and PDO map. A
// blank path is allowed and yields an Empty map. Malformed sections are
// skipped; a file that fails to parse entirely yields an Empty map and a
// logged warning, never an error.
func Parse(path string, log *logrus.Entry) *Map {
	if path == "" {
		return Empty()
	}

	cfg, err := ini.Load(path)
	if err != nil {
		log.Warnf("failed to parse EDS %q: %v", path, err)
		return Empty()
	}

	sections := make(map[string]*ini.Section)
	for _, sec := range cfg.Sections() {
		sections[strings.ToUpper(sec.Name())] = sec
	}

	result := Empty()
	parents := buildParents(sections)
	buildNameMap(result, sections, parents)
	buildPDOMap(result, sections, log)
	warnUnresolvedMappings(result, log)

	log.Infof("loaded EDS %q (names=%d, pdo_map=%d)", path, len(result.NameMap), len(result.PDOMap))
	return result
}

func buildParents(sections map[string]*ini.Section) map[uint16]string {
	parents := map[uint16]string{}
	for upper, sec := range sections {
		if !indexRe.MatchString(upper) || subIndexRe.MatchString(upper) {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimPrefix(upper, "0X"), 16, 16)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(sec.Key("ParameterName").String())
		if name != "" {
			parents[uint16(idx)] = name
		}
	}
	return parents
}

func buildNameMap(result *Map, sections map[string]*ini.Section, parents map[uint16]string) {
	for upper, sec := range sections {
		m := subIndexRe.FindStringSubmatch(upper)
		if m == nil {
			continue
		}
		idx, err := strconv.ParseUint(m[1], 16, 16)
		if err != nil {
			continue
		}
		sub, err := strconv.ParseUint(m[2], 16, 8)
		if err != nil {
			continue
		}
		index := uint16(idx)
		parent, ok := parents[index]
		if !ok {
			parent = fmt.Sprintf("0x%04X", index)
		}
		name := strings.TrimSpace(sec.Key("ParameterName").String())
		key := Key{index, uint8(sub)}
		if name != "" && !strings.Contains(strings.ToLower(name), "highest") {
			result.NameMap[key] = parent + "." + name
		} else {
			result.NameMap[key] = parent
		}
	}
	for idx, parent := range parents {
		key := Key{idx, 0}
		if _, exists := result.NameMap[key]; !exists {
			result.NameMap[key] = parent
		}
	}
}

func buildPDOMap(result *Map, sections map[string]*ini.Section, log *logrus.Entry) {
	for upper, sec := range sections {
		if !strings.HasPrefix(upper, "1A") || strings.Contains(upper, "SUB") {
			continue
		}
		entries, err := parseMappingEntries(sections, sec.Name())
		if err != nil {
			log.Warnf("skipping malformed PDO mapping section %q: %v", sec.Name(), err)
			continue
		}
		commSec := "18" + upper[2:]
		commSub1, ok := sections[commSec+"SUB1"]
		if !ok {
			continue
		}
		cobID, err := cleanIntWithComment(commSub1.Key("DefaultValue").String())
		if err != nil {
			log.Warnf("skipping PDO mapping %q: invalid COB-ID: %v", sec.Name(), err)
			continue
		}
		result.PDOMap[uint16(cobID)] = entries
	}
}

func parseMappingEntries(sections map[string]*ini.Section, secName string) ([]MappingEntry, error) {
	var entries []MappingEntry
	for subidx := 1; ; subidx++ {
		sub, ok := sections[strings.ToUpper(fmt.Sprintf("%ssub%d", secName, subidx))]
		if !ok {
			break
		}
		raw, err := cleanIntWithComment(sub.Key("DefaultValue").String())
		if err != nil {
			return nil, err
		}
		entries = append(entries, MappingEntry{
			Index:    uint16((raw >> 16) & 0xFFFF),
			Sub:      uint8((raw >> 8) & 0xFF),
			SizeBits: uint8(raw & 0xFF),
		})
	}
	return entries, nil
}

func warnUnresolvedMappings(result *Map, log *logrus.Entry) {
	for cobID, entries := range result.PDOMap {
		for _, e := range entries {
			_, direct := result.NameMap[Key{e.Index, e.Sub}]
			_, parent := result.NameMap[Key{e.Index, 0}]
			if !direct && !parent {
				log.Warnf("COB 0x%03X maps to 0x%04X:%d, no ParameterName", cobID, e.Index, e.Sub)
			}
		}
	}
}

// cleanIntWithComment parses an EDS DefaultValue, stripping a trailing
// ";..."-style comment and auto-detecting the numeric base (0x, 0, decimal).
func cleanIntWithComment(val string) (int64, error) {
	val = strings.TrimSpace(strings.SplitN(val, ";", 2)[0])
	return strconv.ParseInt(val, 0, 64)
}
