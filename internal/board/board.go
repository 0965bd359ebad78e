// Package board rebuilds a Caro board from a match history and answers the
// move-validity, win and draw questions. Nothing here performs I/O.
package board

import "github.com/park285/Cheese-Caro/internal/domain"

// WinLength is the run length that ends the game.
const WinLength = 5

type Cell uint8

const (
	Empty Cell = iota
	X
	O
)

// CellFor maps a player symbol to the cell it occupies.
func CellFor(s domain.Symbol) Cell {
	switch s {
	case domain.SymbolX:
		return X
	case domain.SymbolO:
		return O
	}
	return Empty
}

// Board is a size×size grid stored row-major; x is the row and y the column.
type Board struct {
	Size  int
	Cells []Cell
}

func New(size int) *Board {
	return &Board{Size: size, Cells: make([]Cell, size*size)}
}

func (b *Board) inside(x, y int) bool {
	return x >= 0 && y >= 0 && x < b.Size && y < b.Size
}

// At returns Empty for coordinates outside the board.
func (b *Board) At(x, y int) Cell {
	if !b.inside(x, y) {
		return Empty
	}
	return b.Cells[x*b.Size+y]
}

// Place writes c without validation; callers check IsValidMove first.
func (b *Board) Place(x, y int, c Cell) {
	b.Cells[x*b.Size+y] = c
}

// Replay folds history in order. Moves that are out of range, target an
// occupied cell or come from a player missing in symbols are skipped.
func Replay(history []domain.Move, size int, symbols map[string]domain.Symbol) *Board {
	b := New(size)
	for _, mv := range history {
		c := CellFor(symbols[mv.PlayerID])
		if c == Empty || !b.IsValidMove(mv.X, mv.Y) {
			continue
		}
		b.Place(mv.X, mv.Y, c)
	}
	return b
}

// IsValidMove reports whether (x, y) is on the board and empty.
func (b *Board) IsValidMove(x, y int) bool {
	return b.inside(x, y) && b.Cells[x*b.Size+y] == Empty
}

var directions = [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}

// CheckWin looks only through (x, y): for each of the four line directions it
// counts same-symbol cells forward and backward, the placed cell counting once.
func (b *Board) CheckWin(x, y int, s domain.Symbol) bool {
	c := CellFor(s)
	if c == Empty || b.At(x, y) != c {
		return false
	}
	for _, d := range directions {
		count := 1
		for i, j := x+d[0], y+d[1]; b.inside(i, j) && b.At(i, j) == c; i, j = i+d[0], j+d[1] {
			count++
		}
		for i, j := x-d[0], y-d[1]; b.inside(i, j) && b.At(i, j) == c; i, j = i-d[0], j-d[1] {
			count++
		}
		if count >= WinLength {
			return true
		}
	}
	return false
}

func (b *Board) IsFull() bool {
	for _, c := range b.Cells {
		if c == Empty {
			return false
		}
	}
	return true
}

// Equal reports cell-for-cell equality.
func (b *Board) Equal(o *Board) bool {
	if b.Size != o.Size || len(b.Cells) != len(o.Cells) {
		return false
	}
	for i := range b.Cells {
		if b.Cells[i] != o.Cells[i] {
			return false
		}
	}
	return true
}

// Rows renders the board as strings of '.', 'X' and 'O', one per row.
func (b *Board) Rows() []string {
	out := make([]string, b.Size)
	line := make([]byte, b.Size)
	for x := 0; x < b.Size; x++ {
		for y := 0; y < b.Size; y++ {
			switch b.At(x, y) {
			case X:
				line[y] = 'X'
			case O:
				line[y] = 'O'
			default:
				line[y] = '.'
			}
		}
		out[x] = string(line)
	}
	return out
}
