package config

import (
	"fmt"
	"os"
	"strings"

	xerrors "QuestPilot-Chain/internal/errors"

	"gopkg.in/yaml.v3"
)

// QuestFile 对应 configs/quests.yaml 的结构。
type QuestFile struct {
	Quests []QuestDefinition `yaml:"quests" validate:"dive"`
	Items  []ItemDefinition  `yaml:"items" validate:"dive"`
}

// QuestDefinition 描述一个任务合约以及参与该任务的队伍。
type QuestDefinition struct {
	Name      string           `yaml:"name" validate:"required"`
	Activated bool             `yaml:"activated"`
	Contract  string           `yaml:"contract" validate:"required,eth_addr"`
	Teams     []TeamDefinition `yaml:"teams" validate:"dive"`
}

// TeamDefinition 描述一支按顺序排列的英雄队伍。
type TeamDefinition struct {
	Name        string   `yaml:"name" validate:"required"`
	Heroes      []uint64 `yaml:"heroes" validate:"required,min=1,dive,gt=0"`
	MinTeamSize int      `yaml:"min_team_size" validate:"gte=1"`
	MinStamina  int      `yaml:"min_stamina" validate:"gte=0"`
	GardenID    uint64   `yaml:"garden_id"`
}

// ItemDefinition 描述奖励物品的显示名称和精度。
type ItemDefinition struct {
	Address  string `yaml:"address" validate:"required,eth_addr"`
	Name     string `yaml:"name" validate:"required"`
	Decimals int    `yaml:"decimals" validate:"gte=0,lte=36"`
}

// LoadQuestFile 解析任务与物品定义，并把 Jewel 代币补充进物品目录。
func LoadQuestFile(path, jewelAddress string) (QuestFile, error) {
	if strings.TrimSpace(path) == "" {
		return QuestFile{}, xerrors.New(xerrors.CodeConfiguration, "未配置任务定义文件")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return QuestFile{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取任务定义失败")
	}

	var file QuestFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return QuestFile{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析任务定义失败")
	}
	file.applyDefaults(jewelAddress)

	if err := file.Validate(); err != nil {
		return QuestFile{}, err
	}
	return file, nil
}

func (f *QuestFile) applyDefaults(jewelAddress string) {
	for qi := range f.Quests {
		for ti := range f.Quests[qi].Teams {
			team := &f.Quests[qi].Teams[ti]
			if team.MinTeamSize == 0 {
				team.MinTeamSize = 1
			}
		}
	}

	if jewelAddress == "" {
		return
	}
	for _, item := range f.Items {
		if strings.EqualFold(item.Address, jewelAddress) {
			return
		}
	}
	f.Items = append(f.Items, ItemDefinition{Address: jewelAddress, Name: "Jewel", Decimals: 18})
}

// Validate 校验字段格式、任务名唯一以及队伍规模。
func (f *QuestFile) Validate() error {
	if err := validate.Struct(f); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "任务定义校验失败")
	}

	names := make(map[string]struct{}, len(f.Quests))
	for _, quest := range f.Quests {
		if _, dup := names[quest.Name]; dup {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("任务名称重复: %s", quest.Name))
		}
		names[quest.Name] = struct{}{}

		for _, team := range quest.Teams {
			if team.MinTeamSize > len(team.Heroes) {
				return xerrors.New(xerrors.CodeConfiguration,
					fmt.Sprintf("任务 %s 队伍 %s 的 min_team_size 超过队伍人数", quest.Name, team.Name))
			}
			seen := make(map[uint64]struct{}, len(team.Heroes))
			for _, id := range team.Heroes {
				if _, dup := seen[id]; dup {
					return xerrors.New(xerrors.CodeConfiguration,
						fmt.Sprintf("任务 %s 队伍 %s 中英雄 %d 重复", quest.Name, team.Name, id))
				}
				seen[id] = struct{}{}
			}
		}
	}
	return nil
}

// CheckQuestContracts 确认每个启用任务的合约都在 quest_types 中登记。
func (c *Config) CheckQuestContracts(file QuestFile) error {
	known := make(map[string]struct{}, len(c.QuestTypes))
	for _, addr := range c.QuestTypes {
		known[strings.ToLower(addr)] = struct{}{}
	}
	for _, quest := range file.Quests {
		if !quest.Activated {
			continue
		}
		if _, ok := known[strings.ToLower(quest.Contract)]; !ok {
			return xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("任务 %s 的合约 %s 未在 quest_types 中登记", quest.Name, quest.Contract))
		}
	}
	return nil
}
