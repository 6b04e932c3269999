package writer

import (
	"testing"

	"github.com/venoajie/ws-streamer/models"
)

func TestCreateParquetProducesData(t *testing.T) {
	candles := []models.Candle{
		{Tick: 60000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, Cost: 15},
		{Tick: 120000, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 12, Cost: 24},
	}

	data, err := createParquet("BTCUSDT", "1m", candles)
	if err != nil {
		t.Fatalf("create parquet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("no parquet bytes produced")
	}
	// Parquet files end with the PAR1 magic footer.
	if string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("missing parquet footer, trailing bytes: %q", data[len(data)-4:])
	}
}

func TestS3KeyPartitionsBySymbolAndInterval(t *testing.T) {
	a := &CandleArchiver{}
	candles := []models.Candle{{Tick: 60000}, {Tick: 120000}}

	key := a.s3Key("BTCUSDT", "1m", candles)
	if want := "symbol=BTCUSDT/interval=1m/"; key[:len(want)] != want {
		t.Fatalf("key = %q", key)
	}
}
