package serieshttp

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxIngestBatch = 5000

// candleSchema 校验写入请求：非空数组，每项都必须带齐时间戳与 OHLCV。
var candleSchema = fmt.Sprintf(`{
  "type": "array",
  "minItems": 1,
  "maxItems": %d,
  "items": {
    "type": "object",
    "required": ["timestamp", "open", "high", "low", "close", "volume"],
    "properties": {
      "timestamp": {"type": ["string", "number"]},
      "open":   {"type": ["string", "number"]},
      "high":   {"type": ["string", "number"]},
      "low":    {"type": ["string", "number"]},
      "close":  {"type": ["string", "number"]},
      "volume": {"type": ["string", "number"]}
    }
  }
}`, maxIngestBatch)

func compileCandleSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("candles.json", strings.NewReader(candleSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("candles.json")
}
