package pumpz

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestEncodeBatch(t *testing.T) {
	tests := []struct {
		name  string
		batch Batch
		want  string
	}{
		{"Three Items", Batch{ProducerID: 2, Items: []int{5, 17, 99}}, "2:[5, 17, 99]\n"},
		{"Single Item", Batch{ProducerID: 0, Items: []int{1}}, "0:[1]\n"},
		{"Empty", Batch{ProducerID: 11, Items: nil}, "11:[]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(EncodeBatch(tt.batch)); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDecodeBatch(t *testing.T) {
	t.Run("Accepts Valid Records", func(t *testing.T) {
		tests := map[string]Batch{
			"7:[1, 2, 3]\n": {ProducerID: 7, Items: []int{1, 2, 3}},
			"7:[1, 2, 3]":   {ProducerID: 7, Items: []int{1, 2, 3}},
			"0:[]\n":        {ProducerID: 0, Items: []int{}},
			"12:[0]\n":      {ProducerID: 12, Items: []int{0}},
		}
		for line, want := range tests {
			got, err := DecodeBatch([]byte(line))
			if err != nil {
				t.Fatalf("%q: unexpected error: %v", line, err)
			}
			if !got.Equal(want) {
				t.Errorf("%q: expected %+v, got %+v", line, want, got)
			}
		}
	})

	t.Run("Rejects Malformed Records", func(t *testing.T) {
		overflow := strings.Repeat("9", len(strconv.Itoa(int(^uint(0)>>1)))+1)
		lines := []string{
			"",
			"\n",
			"7:[1,2]\n",
			"7:[-1]\n",
			"7:[1, 2\n",
			"7:[1, 2]]\n",
			"7:[1,  2]\n",
			"7: [1]\n",
			"-7:[1]\n",
			"x:[1]\n",
			"7:[1, 2]\n\n",
			"7:[1, 2] \n",
			"7:[[1]]\n",
			"7:[" + overflow + "]\n",
			overflow + ":[1]\n",
		}
		for _, line := range lines {
			_, err := DecodeBatch([]byte(line))
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Errorf("%q: expected *DecodeError, got %v", line, err)
			}
		}
	})

	t.Run("Reports Offset", func(t *testing.T) {
		_, err := DecodeBatch([]byte("7:[1,2]"))
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("expected *DecodeError, got %v", err)
		}
		if decodeErr.Offset != 5 {
			t.Errorf("expected offset 5, got %d", decodeErr.Offset)
		}
	})

	t.Run("Round Trip", func(t *testing.T) {
		in := Batch{ProducerID: 3, Items: []int{0, 42, 1 << 40}}
		out, err := DecodeBatch(EncodeBatch(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !out.Equal(in) {
			t.Errorf("expected %+v, got %+v", in, out)
		}
	})
}

func TestBatch(t *testing.T) {
	t.Run("Clone Is Independent", func(t *testing.T) {
		b := Batch{ProducerID: 1, Items: []int{1, 2}}
		c := b.Clone()
		c.Items[0] = 9
		if b.Items[0] != 1 {
			t.Errorf("clone shares memory with original")
		}
	})

	t.Run("Random Generator Stays In Range", func(t *testing.T) {
		gen := RandomGenerator(3, 1, 100)
		rng := newTestRand(1)
		for range 1000 {
			b := gen(4, rng)
			if b.ProducerID != 4 {
				t.Fatalf("expected producer 4, got %d", b.ProducerID)
			}
			if len(b.Items) != 3 {
				t.Fatalf("expected 3 items, got %d", len(b.Items))
			}
			for _, v := range b.Items {
				if v < 1 || v > 100 {
					t.Fatalf("value %d out of range", v)
				}
			}
		}
	})
}
