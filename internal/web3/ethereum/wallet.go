package ethereum

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"QuestPilot-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/term"
)

// SecretSource yields a secret on demand. Secrets are never cached on disk.
type SecretSource func() (string, error)

// WalletConfig locates and unlocks the signing identity.
type WalletConfig struct {
	KeystorePath string
	// Expected, when non-zero, must match the address stored in the keystore.
	Expected   common.Address
	Password   SecretSource
	PrivateKey SecretSource
	ScryptN    int
	ScryptP    int
}

// LoadOrCreateSigner decrypts the keystore when it exists. Otherwise it imports
// the private key, writes an encrypted keystore next to the configured path
// and returns the resulting signer.
func LoadOrCreateSigner(cfg WalletConfig) (*web3.Signer, error) {
	path := strings.TrimSpace(cfg.KeystorePath)
	if path == "" {
		return nil, errors.New("未配置 keystore 路径")
	}
	if cfg.Password == nil {
		return nil, errors.New("未配置 keystore 密码来源")
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		return unlock(raw, cfg)
	case errors.Is(err, os.ErrNotExist):
		return create(path, cfg)
	default:
		return nil, fmt.Errorf("读取 keystore 失败: %w", err)
	}
}

func unlock(raw []byte, cfg WalletConfig) (*web3.Signer, error) {
	password, err := cfg.Password()
	if err != nil {
		return nil, fmt.Errorf("获取 keystore 密码失败: %w", err)
	}
	key, err := keystore.DecryptKey(raw, password)
	if err != nil {
		return nil, fmt.Errorf("解密 keystore 失败: %w", err)
	}
	if cfg.Expected != (common.Address{}) && key.Address != cfg.Expected {
		return nil, fmt.Errorf("keystore 地址 %s 与配置地址 %s 不一致", key.Address.Hex(), cfg.Expected.Hex())
	}
	return &web3.Signer{Key: key.PrivateKey, From: key.Address}, nil
}

func create(path string, cfg WalletConfig) (*web3.Signer, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("keystore %s 不存在且未提供私钥", path)
	}
	hexKey, err := cfg.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("获取私钥失败: %w", err)
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	if cfg.Expected != (common.Address{}) && address != cfg.Expected {
		return nil, fmt.Errorf("私钥地址 %s 与配置地址 %s 不一致", address.Hex(), cfg.Expected.Hex())
	}

	password, err := cfg.Password()
	if err != nil {
		return nil, fmt.Errorf("获取 keystore 密码失败: %w", err)
	}
	if password == "" {
		return nil, errors.New("keystore 密码不能为空")
	}

	scryptN, scryptP := cfg.ScryptN, cfg.ScryptP
	if scryptN <= 0 || scryptP <= 0 {
		scryptN, scryptP = keystore.StandardScryptN, keystore.StandardScryptP
	}
	key := &keystore.Key{Id: uuid.New(), Address: address, PrivateKey: privateKey}
	encrypted, err := keystore.EncryptKey(key, password, scryptN, scryptP)
	if err != nil {
		return nil, fmt.Errorf("加密 keystore 失败: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("创建 keystore 目录失败: %w", err)
		}
	}
	if err := os.WriteFile(path, encrypted, 0o600); err != nil {
		return nil, fmt.Errorf("写入 keystore 失败: %w", err)
	}
	return &web3.Signer{Key: privateKey, From: address}, nil
}

// EnvSecret reads the named environment variable, typically populated from a
// .env file at startup.
func EnvSecret(name string) SecretSource {
	return func() (string, error) {
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("环境变量 %s 未设置", name)
		}
		return value, nil
	}
}

// PromptSecret asks on the controlling terminal without echoing input.
func PromptSecret(prompt string) SecretSource {
	return func() (string, error) {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New("标准输入不是终端，无法交互式输入密码")
		}
		fmt.Fprint(os.Stderr, prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("读取密码失败: %w", err)
		}
		return string(secret), nil
	}
}

// FirstSecret returns the first source that yields a value.
func FirstSecret(sources ...SecretSource) SecretSource {
	return func() (string, error) {
		var errs []error
		for _, src := range sources {
			if src == nil {
				continue
			}
			value, err := src()
			if err == nil {
				return value, nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return "", errors.New("没有可用的密钥来源")
		}
		return "", errors.Join(errs...)
	}
}

// Remember wraps a source so an interactive prompt is shown at most once per
// process; endpoint fallbacks reconnect the wallet without asking again.
func Remember(src SecretSource) SecretSource {
	var (
		mu     sync.Mutex
		cached string
		done   bool
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return cached, nil
		}
		value, err := src()
		if err != nil {
			return "", err
		}
		cached, done = value, true
		return value, nil
	}
}
