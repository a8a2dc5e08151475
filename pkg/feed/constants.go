package feed

const (
	// DefaultCapacity bounds the merged view at fifty entries.
	DefaultCapacity = 50

	surrogateIDPrefix = "local-"
)
