// Package grid models the remote grid: the goal map of tokens and the
// current map of placed entities.
package grid

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the type of entity placed in a cell. The numeric values match the
// "type" field of the current-map wire format.
type Kind int

const (
	Polyanet Kind = 0
	Soloon   Kind = 1
	Cometh   Kind = 2
)

// String returns the lower-case entity name.
func (k Kind) String() string {
	switch k {
	case Polyanet:
		return "polyanet"
	case Soloon:
		return "soloon"
	case Cometh:
		return "cometh"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Resource returns the API collection path for the kind.
func (k Kind) Resource() string {
	return k.String() + "s"
}

// Valid colors for soloons and directions for comeths.
var (
	Colors     = []string{"blue", "red", "purple", "white"}
	Directions = []string{"up", "down", "left", "right"}
)

// Entity is one placed object with its attributes.
type Entity struct {
	Kind      Kind
	Color     string // soloons only
	Direction string // comeths only
}

// Equal reports whether two cells hold the same entity. Nil means empty.
func Equal(a, b *Entity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Token renders the entity as a goal-map token ("POLYANET", "RED_SOLOON", "UP_COMETH").
func (e Entity) Token() string {
	switch e.Kind {
	case Soloon:
		return strings.ToUpper(e.Color) + "_SOLOON"
	case Cometh:
		return strings.ToUpper(e.Direction) + "_COMETH"
	default:
		return "POLYANET"
	}
}

// Validate checks the attributes required by the entity kind.
func (e Entity) Validate() error {
	switch e.Kind {
	case Polyanet:
		if e.Color != "" || e.Direction != "" {
			return fmt.Errorf("polyanet takes no attributes")
		}
	case Soloon:
		if !contains(Colors, e.Color) {
			return fmt.Errorf("invalid soloon color %q", e.Color)
		}
	case Cometh:
		if !contains(Directions, e.Direction) {
			return fmt.Errorf("invalid cometh direction %q", e.Direction)
		}
	default:
		return fmt.Errorf("unknown entity kind %d", int(e.Kind))
	}
	return nil
}

// SpaceToken marks an empty goal cell.
const SpaceToken = "SPACE"

// ParseToken converts a goal-map token to an entity. SPACE yields nil.
func ParseToken(token string) (*Entity, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == SpaceToken {
		return nil, nil
	}
	if token == "POLYANET" {
		return &Entity{Kind: Polyanet}, nil
	}

	prefix, suffix, ok := strings.Cut(token, "_")
	if !ok {
		return nil, fmt.Errorf("unknown goal token %q", token)
	}

	var e Entity
	switch suffix {
	case "SOLOON":
		e = Entity{Kind: Soloon, Color: strings.ToLower(prefix)}
	case "COMETH":
		e = Entity{Kind: Cometh, Direction: strings.ToLower(prefix)}
	default:
		return nil, fmt.Errorf("unknown goal token %q", token)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("goal token %q: %w", token, err)
	}
	return &e, nil
}

// Grid is a rectangular map of cells; a nil cell is empty space.
type Grid [][]*Entity

// New returns an empty grid.
func New(rows, cols int) Grid {
	g := make(Grid, rows)
	for r := range g {
		g[r] = make([]*Entity, cols)
	}
	return g
}

// Rows returns the number of rows.
func (g Grid) Rows() int {
	return len(g)
}

// Cols returns the length of the widest row.
func (g Grid) Cols() int {
	cols := 0
	for _, row := range g {
		cols = max(cols, len(row))
	}
	return cols
}

// At returns the cell at (row, col), or nil when out of bounds.
func (g Grid) At(row, col int) *Entity {
	if row < 0 || row >= len(g) || col < 0 || col >= len(g[row]) {
		return nil
	}
	return g[row][col]
}

// Count returns the number of non-empty cells.
func (g Grid) Count() int {
	n := 0
	for _, row := range g {
		for _, c := range row {
			if c != nil {
				n++
			}
		}
	}
	return n
}

// String renders the grid using short glyphs, one row per line.
func (g Grid) String() string {
	var b strings.Builder
	for _, row := range g {
		for _, c := range row {
			b.WriteString(glyph(c))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func glyph(e *Entity) string {
	if e == nil {
		return "."
	}
	switch e.Kind {
	case Polyanet:
		return "P"
	case Soloon:
		return "S"
	case Cometh:
		return "C"
	default:
		return "?"
	}
}

// ParseGoal decodes the goal-map response body: {"goal": [["SPACE", ...], ...]}.
func ParseGoal(data []byte) (Grid, error) {
	var body struct {
		Goal [][]string `json:"goal"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode goal map: %w", err)
	}
	if body.Goal == nil {
		return nil, fmt.Errorf("decode goal map: missing goal field")
	}

	g := make(Grid, len(body.Goal))
	for r, row := range body.Goal {
		g[r] = make([]*Entity, len(row))
		for c, token := range row {
			e, err := ParseToken(token)
			if err != nil {
				return nil, fmt.Errorf("cell (%d,%d): %w", r, c, err)
			}
			g[r][c] = e
		}
	}
	return g, nil
}

type wireCell struct {
	Type      int    `json:"type"`
	Color     string `json:"color,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// ParseCurrent decodes the current-map response body:
// {"map": {"content": [[null, {"type": 0}, {"type": 1, "color": "red"}, ...]]}}.
func ParseCurrent(data []byte) (Grid, error) {
	var body struct {
		Map struct {
			Content [][]*wireCell `json:"content"`
		} `json:"map"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode current map: %w", err)
	}

	g := make(Grid, len(body.Map.Content))
	for r, row := range body.Map.Content {
		g[r] = make([]*Entity, len(row))
		for c, cell := range row {
			if cell == nil {
				continue
			}
			e := &Entity{
				Kind:      Kind(cell.Type),
				Color:     cell.Color,
				Direction: cell.Direction,
			}
			if err := e.Validate(); err != nil {
				return nil, fmt.Errorf("cell (%d,%d): %w", r, c, err)
			}
			g[r][c] = e
		}
	}
	return g, nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
