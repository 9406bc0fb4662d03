package mtproto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// ErrUnsupportedSessionFormat возвращается, если формат сессии не распознан.
var ErrUnsupportedSessionFormat = errors.New("mtproto: неизвестный формат сессии")

const gotdSessionVersion = 1

type storedSession struct {
	Version int          `json:"Version"`
	Data    session.Data `json:"Data"`
}

// NormalizeSessionBytes приводит сессию к JSON-формату session.FileStorage.
// Понимает уже готовый JSON gotd, строковую сессию Telethon, экспорт аккаунта
// с полем extra_params и JSON-выгрузку таблицы sessions из Telethon.
func NormalizeSessionBytes(raw []byte) ([]byte, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, errors.New("mtproto: пустая сессия")
	}

	var stored struct {
		Version int `json:"Version"`
	}
	if err := json.Unmarshal(trimmed, &stored); err == nil && stored.Version != 0 {
		return append([]byte(nil), trimmed...), false, nil
	}

	converters := []func([]byte) (*session.Data, error){
		fromAccountExport,
		fromSessionRows,
		fromTelethonString,
	}
	for _, convert := range converters {
		data, err := convert(trimmed)
		if err != nil {
			continue
		}
		out, err := json.Marshal(storedSession{Version: gotdSessionVersion, Data: *data})
		if err != nil {
			return nil, false, fmt.Errorf("mtproto: сериализация сессии: %w", err)
		}
		return out, true, nil
	}
	return nil, false, ErrUnsupportedSessionFormat
}

func fromAccountExport(raw []byte) (*session.Data, error) {
	var account struct {
		ExtraParams string `json:"extra_params"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, err
	}
	if account.ExtraParams == "" {
		return nil, errors.New("нет extra_params")
	}
	return fromTelethonString([]byte(account.ExtraParams))
}

func fromSessionRows(raw []byte) (*session.Data, error) {
	var rows []struct {
		DCID          int    `json:"dc_id"`
		ServerAddress string `json:"server_address"`
		Port          int    `json:"port"`
		AuthKey       string `json:"auth_key"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.AuthKey == "" || row.ServerAddress == "" || row.Port == 0 {
			continue
		}
		return sessionFromKey(row.DCID, row.ServerAddress, row.Port, row.AuthKey)
	}
	return nil, errors.New("нет строк с ключом авторизации")
}

func fromTelethonString(raw []byte) (*session.Data, error) {
	candidate := strings.Trim(strings.TrimSpace(string(raw)), "\"'")
	if candidate == "" {
		return nil, errors.New("пустая строка сессии")
	}
	data, err := session.TelethonSession(candidate)
	if err != nil {
		return nil, err
	}
	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if len(data.Config.DCOptions) == 0 {
		if host, portStr, err := net.SplitHostPort(data.Addr); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
			}
		}
	}
	return data, nil
}

func sessionFromKey(dcID int, host string, port int, authKeyHex string) (*session.Data, error) {
	rawKey, err := hex.DecodeString(strings.Trim(strings.TrimSpace(authKeyHex), "'\""))
	if err != nil {
		return nil, fmt.Errorf("разбор auth_key: %w", err)
	}
	var key crypto.Key
	if len(rawKey) != len(key) {
		return nil, fmt.Errorf("неверная длина auth_key: %d байт", len(rawKey))
	}
	copy(key[:], rawKey)
	id := key.WithID().ID

	return &session.Data{
		Config: session.Config{
			ThisDC:    dcID,
			DCOptions: []tg.DCOption{{ID: dcID, IPAddress: host, Port: port}},
		},
		DC:        dcID,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   append([]byte(nil), key[:]...),
		AuthKeyID: append([]byte(nil), id[:]...),
	}, nil
}
