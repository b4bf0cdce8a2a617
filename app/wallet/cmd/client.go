package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
)

type utxo struct {
	TxID     string `json:"txid"`
	Index    uint32 `json:"index"`
	Value    uint64 `json:"value"`
	Height   uint64 `json:"height"`
	Coinbase bool   `json:"coinbase"`
}

type utxoInfo struct {
	Address   string `json:"address"`
	BestBlock string `json:"best_block"`
	Balance   uint64 `json:"balance"`
	UTXOs     []utxo `json:"utxos"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func queryUTXOs(ctx context.Context, url string, address string) (utxoInfo, error) {
	var info utxoInfo
	if err := send(ctx, http.MethodGet, fmt.Sprintf("%s/v1/utxo/%s", url, address), nil, &info); err != nil {
		return utxoInfo{}, err
	}
	return info, nil
}

func mine(ctx context.Context, url string, txs []database.Tx) (string, error) {
	req := struct {
		Txs []database.Tx `json:"txs"`
	}{
		Txs: txs,
	}

	var resp struct {
		Hash string `json:"hash"`
	}
	if err := send(ctx, http.MethodPost, fmt.Sprintf("%s/v1/node/mine", url), req, &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

func send(ctx context.Context, method string, url string, dataSend any, dataRecv any) error {
	var body io.Reader
	if dataSend != nil {
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if er.Code != "" {
			return fmt.Errorf("status %d: %s: %s", resp.StatusCode, er.Code, er.Error)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, er.Error)
	}

	return json.NewDecoder(resp.Body).Decode(dataRecv)
}
