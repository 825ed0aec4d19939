// Package trainplot renders the training accuracy curve from a saved Keras history.
package trainplot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
)

// History maps a metric name to its per-epoch values.
type History map[string][]float64

// Series required for the accuracy plot.
const (
	TrainKey = "accuracy"
	ValKey   = "val_accuracy"
)

// HasAccuracy reports whether both accuracy series are present.
func (h History) HasAccuracy() bool {
	_, train := h[TrainKey]
	_, val := h[ValKey]
	return train && val
}

// LoadHistory reads a history saved either with pickle.dump or as JSON. Files
// ending in .json are read as JSON; anything else is unpickled.
func LoadHistory(path string) (History, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var h History
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("parse history %s: %w", path, err)
		}
		return h, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	u := pickle.NewUnpickler(f)
	obj, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("unpickle history %s: %w", path, err)
	}
	return fromPickle(obj)
}

// Keys copied out of a pickled history; Keras records more, but only these are plotted.
var pickledKeys = []string{TrainKey, ValKey, "loss", "val_loss"}

type pickleDict interface {
	Get(key interface{}) (interface{}, bool)
}

type pickleList interface {
	Len() int
	Get(i int) interface{}
}

func fromPickle(obj interface{}) (History, error) {
	dict, ok := obj.(pickleDict)
	if !ok {
		return nil, fmt.Errorf("history is %T, want dict", obj)
	}

	h := make(History)
	for _, name := range pickledKeys {
		value, ok := dict.Get(name)
		if !ok {
			continue
		}
		values, err := floats(value)
		if err != nil {
			return nil, fmt.Errorf("history key %q: %w", name, err)
		}
		h[name] = values
	}
	return h, nil
}

func floats(value interface{}) ([]float64, error) {
	list, ok := value.(pickleList)
	if !ok {
		return nil, fmt.Errorf("got %T, want list", value)
	}
	out := make([]float64, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		switch v := list.Get(i).(type) {
		case float64:
			out = append(out, v)
		case int:
			out = append(out, float64(v))
		default:
			return nil, fmt.Errorf("element %d is %T", i, v)
		}
	}
	return out, nil
}
