package puzzle

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrPuzzleNotFound     = errors.New("PUZZLE_NOT_FOUND: Puzzle metadata not found")
	ErrInvalidPieceCount  = errors.New("INVALID_PIECE_COUNT: Piece count must be positive")
	ErrInvalidDifficulty  = errors.New("INVALID_DIFFICULTY: Unknown difficulty")
	ErrInvalidPuzzleImage = errors.New("INVALID_PUZZLE_IMAGE: Puzzle image has no usable size")
)

type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

var pieceCounts = map[Difficulty]int{
	Easy:   16,
	Medium: 36,
	Hard:   64,
}

type Metadata struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type Piece struct {
	ID        int     `json:"id"`
	Row       int     `json:"row"`
	Col       int     `json:"col"`
	FinalX    float64 `json:"finalX"`
	FinalY    float64 `json:"finalY"`
	Edge      bool    `json:"edge"`
	Neighbors []int   `json:"neighbors"`
}

// Definition is the immutable layout a game session is built from.
type Definition struct {
	Puzzle      Metadata `json:"puzzle"`
	Rows        int      `json:"rows"`
	Cols        int      `json:"cols"`
	PieceWidth  float64  `json:"pieceWidth"`
	PieceHeight float64  `json:"pieceHeight"`
	Pieces      []Piece  `json:"pieces"`
}

func ParseDifficulty(s string) (Difficulty, error) {
	d := Difficulty(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := pieceCounts[d]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidDifficulty, s)
	}
	return d, nil
}

func PieceCountFor(d Difficulty) (int, error) {
	count, ok := pieceCounts[d]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDifficulty, d)
	}
	return count, nil
}

// GridFor maps a piece count to the most square rows x cols grid holding
// exactly that many pieces. Rows never exceed columns.
func GridFor(pieceCount int) (rows, cols int, err error) {
	if pieceCount < 1 {
		return 0, 0, ErrInvalidPieceCount
	}

	rows = int(math.Sqrt(float64(pieceCount)))
	for rows > 1 && pieceCount%rows != 0 {
		rows--
	}
	return rows, pieceCount / rows, nil
}

// Generate lays the pieces out row-major. A piece's final position is the
// top-left corner of its cell in image coordinates.
func Generate(meta Metadata, pieceCount int) (*Definition, error) {
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, ErrInvalidPuzzleImage
	}

	rows, cols, err := GridFor(pieceCount)
	if err != nil {
		return nil, err
	}

	def := &Definition{
		Puzzle:      meta,
		Rows:        rows,
		Cols:        cols,
		PieceWidth:  float64(meta.Width) / float64(cols),
		PieceHeight: float64(meta.Height) / float64(rows),
		Pieces:      make([]Piece, 0, pieceCount),
	}

	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			id := row*cols + col
			def.Pieces = append(def.Pieces, Piece{
				ID:        id,
				Row:       row,
				Col:       col,
				FinalX:    float64(col) * def.PieceWidth,
				FinalY:    float64(row) * def.PieceHeight,
				Edge:      row == 0 || col == 0 || row == rows-1 || col == cols-1,
				Neighbors: neighbors(row, col, rows, cols),
			})
		}
	}

	return def, nil
}

func neighbors(row, col, rows, cols int) []int {
	n := make([]int, 0, 4)
	if row > 0 {
		n = append(n, (row-1)*cols+col)
	}
	if col < cols-1 {
		n = append(n, row*cols+col+1)
	}
	if row < rows-1 {
		n = append(n, (row+1)*cols+col)
	}
	if col > 0 {
		n = append(n, row*cols+col-1)
	}
	return n
}
