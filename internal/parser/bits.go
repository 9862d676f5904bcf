package parser

// Check reports whether bit i of v is set.
func Check(v uint64, i uint) bool {
	return v&(1<<i) != 0
}

// Between returns bits [from, to) of v shifted down.
func Between(v uint64, from, to uint) uint64 {
	return (v >> from) & (1<<(to-from) - 1)
}
