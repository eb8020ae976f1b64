package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/bfexec/internal/config"
	"github.com/skalibog/bfexec/internal/engine"
	"github.com/skalibog/bfexec/pkg/logger"
	"github.com/skalibog/bfexec/pkg/models"
	"go.uber.org/zap"
)

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)
)

// ansiRegex удаляет ANSI-цвета из уровня логирования
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

const logTimeLayout = "02.01.2006 - 15:04:05.000000000Z07:00"

// StatusProvider источник состояния движка
type StatusProvider interface {
	Status() engine.Status
}

// TradeHistory источник последних попыток входа
type TradeHistory interface {
	RecentTrades(ctx context.Context, limit int) ([]models.TradeOutcome, error)
}

// TermUI представляет терминальный интерфейс
type TermUI struct {
	status  StatusProvider
	history TradeHistory
	config  config.UIConfig
	logFile string
	onQuit  func()

	mu     sync.RWMutex
	logs   []string
	trades []models.TradeOutcome
	width  int
	height int

	program *tea.Program
}

// Сообщения для обновления UI
type refreshMsg time.Time

// bubbleModel - модель для bubbletea
type bubbleModel struct {
	ui *TermUI
}

// NewTermUI создает интерфейс. onQuit вызывается при выходе по клавише q.
func NewTermUI(cfg config.UIConfig, logFile string, status StatusProvider, history TradeHistory, onQuit func()) *TermUI {
	if cfg.LogLines <= 0 {
		cfg.LogLines = 15
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 1000
	}
	return &TermUI{
		status:  status,
		history: history,
		config:  cfg,
		logFile: logFile,
		onQuit:  onQuit,
		logs:    []string{"bfexec запущен. Ожидание первого цикла..."},
		width:   120,
		height:  40,
	}
}

// Start запускает интерфейс, блокирует до выхода
func (ui *TermUI) Start(ctx context.Context) error {
	ui.refresh(ctx)

	ui.program = tea.NewProgram(bubbleModel{ui: ui}, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := ui.program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (ui *TermUI) interval() time.Duration {
	return time.Duration(ui.config.RefreshRate) * time.Millisecond
}

// refresh перечитывает лог и журнал сделок
func (ui *TermUI) refresh(ctx context.Context) {
	logs, err := loadLogsFromFile(ui.logFile, ui.config.LogLines)
	if err != nil {
		logger.Debug("Ошибка загрузки логов", zap.Error(err))
	}

	var trades []models.TradeOutcome
	if ui.history != nil {
		trades, err = ui.history.RecentTrades(ctx, 10)
		if err != nil {
			logger.Debug("Ошибка чтения журнала сделок", zap.Error(err))
		}
	}

	ui.mu.Lock()
	defer ui.mu.Unlock()
	if len(logs) > 0 {
		ui.logs = logs
	}
	if trades != nil {
		ui.trades = trades
	}
}

// loadLogsFromFile читает последние limit записей JSON-лога
func loadLogsFromFile(path string, limit int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Файл не существует, это не ошибка
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var logs []string
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > limit {
			logs = logs[1:]
		}
	}
	return logs, scanner.Err()
}

// formatLogLine превращает JSON-запись zap в строку вида "[15:04:05] [INFO] msg (k: v)"
func formatLogLine(line string) string {
	var zapLog map[string]interface{}
	if err := json.Unmarshal([]byte(line), &zapLog); err != nil {
		return line
	}

	level, _ := zapLog["level"].(string)
	ts, _ := zapLog["ts"].(string)
	msg, _ := zapLog["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse(logTimeLayout, ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	keys := make([]string, 0, len(zapLog))
	for k := range zapLog {
		if k != "level" && k != "ts" && k != "msg" && k != "caller" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, level, msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " (%s: %v)", k, zapLog[k])
	}
	return b.String()
}

// Методы для bubbletea
func (m bubbleModel) Init() tea.Cmd {
	return m.tick()
}

func (m bubbleModel) tick() tea.Cmd {
	return tea.Tick(m.ui.interval(), func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.ui.onQuit != nil {
				m.ui.onQuit()
			}
			return m, tea.Quit
		case "r":
			m.ui.refresh(context.Background())
		}

	case tea.WindowSizeMsg:
		m.ui.mu.Lock()
		m.ui.width = msg.Width
		m.ui.height = msg.Height
		m.ui.mu.Unlock()

	case refreshMsg:
		m.ui.refresh(context.Background())
		return m, m.tick()
	}

	return m, nil
}

func (m bubbleModel) View() string {
	status := m.ui.status.Status()

	m.ui.mu.RLock()
	defer m.ui.mu.RUnlock()

	trades := m.ui.trades
	if len(trades) == 0 && status.Last != nil {
		trades = status.Last.Outcomes
	}

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("BFEXEC - Binance Futures Executor"),
			"\n",
			renderStatusSection(status, time.Now()),
			"\n",
			renderTradesSection(trades),
			"\n",
			renderLogsSection(m.ui.logs),
			"\n",
			footerStyle.Render("Клавиши: R - обновить, Q - выход"),
		),
	)
}

// Вспомогательные функции
func renderStatusSection(status engine.Status, now time.Time) string {
	content := strings.Builder{}
	safety := status.Safety

	breaker := lipgloss.NewStyle().Foreground(successColor).Render("торговля разрешена")
	if safety.BreakerTripped {
		breaker = lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render(
			fmt.Sprintf("ПРЕДОХРАНИТЕЛЬ до %s", safety.BreakerClearsAt.Format("15:04:05")))
	}
	fmt.Fprintf(&content, "  Состояние: %s\n", breaker)
	fmt.Fprintf(&content, "  Неудач подряд: %d\n", safety.ConsecutiveFailures)
	fmt.Fprintf(&content, "  Циклов выполнено: %d", status.Cycles)
	if status.Running {
		content.WriteString(lipgloss.NewStyle().Foreground(warningColor).Render(" (цикл выполняется)"))
	}
	content.WriteString("\n")

	if last := status.Last; last != nil {
		result := "завершен"
		if last.SkipReason != "" {
			result = "пропущен: " + last.SkipReason
		}
		fmt.Fprintf(&content, "  Последний цикл: %s, %s\n", last.FinishedAt.Format("15:04:05"), result)
		fmt.Fprintf(&content, "  Баланс: %s USDT, маржа %.2f%%\n", last.Balance.StringFixed(2), last.MarginUsagePct)
		fmt.Fprintf(&content, "  Сигналов: %d, открыто: %d, ошибок: %d\n", last.SignalsReceived, last.Opened(), last.Failed())
		for _, alert := range last.Alerts {
			content.WriteString("  " + lipgloss.NewStyle().Foreground(errorColor).Render(
				fmt.Sprintf("ОПОВЕЩЕНИЕ %s %s: %s", alert.Kind, alert.Symbol, alert.Message)) + "\n")
		}
	}

	if len(safety.PreviousOpen) > 0 {
		fmt.Fprintf(&content, "  Открытые позиции: %s\n", strings.Join(safety.PreviousOpen, ", "))
	}

	if len(safety.Cooldowns) > 0 {
		symbols := make([]string, 0, len(safety.Cooldowns))
		for symbol := range safety.Cooldowns {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			left := safety.Cooldowns[symbol].Sub(now)
			if left <= 0 {
				continue
			}
			fmt.Fprintf(&content, "  Пауза %s: %s\n", symbol, left.Round(time.Second))
		}
	}

	return sectionStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			headerStyle.Render("СОСТОЯНИЕ"),
			content.String(),
		),
	)
}

func renderTradesSection(trades []models.TradeOutcome) string {
	content := strings.Builder{}

	if len(trades) == 0 {
		content.WriteString("  Сделок пока нет\n")
	}
	for _, trade := range trades {
		line := fmt.Sprintf("  %s %-14s %-4s %s", trade.Timestamp.Format("15:04:05"), trade.Symbol, trade.Side, formatStatus(trade.Status))
		switch trade.Status {
		case models.TradeOpened:
			line += fmt.Sprintf(" qty %s вход %s стоп %s (попыток %d)",
				trade.Quantity.String(), trade.EntryPrice.String(), trade.StopPrice.String(), trade.StopAttempts)
		case models.TradeFailed:
			if trade.EmergencyClosed {
				line += " закрыта аварийно"
			}
			line += " " + trade.Reason
		default:
			line += " " + trade.Reason
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			headerStyle.Render("СДЕЛКИ"),
			content.String(),
		),
	)
}

func formatStatus(status models.TradeStatus) string {
	var style lipgloss.Style
	switch status {
	case models.TradeOpened:
		style = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	case models.TradeFailed:
		style = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	default:
		style = lipgloss.NewStyle().Foreground(warningColor)
	}
	return style.Render(string(status))
}

func renderLogsSection(logs []string) string {
	content := strings.Builder{}

	for _, log := range logs {
		// Выделение по уровню логирования
		if strings.Contains(log, "[ERROR]") {
			log = lipgloss.NewStyle().Foreground(errorColor).Render(log)
		} else if strings.Contains(log, "[INFO]") {
			log = lipgloss.NewStyle().Foreground(successColor).Render(log)
		} else if strings.Contains(log, "[WARN]") {
			log = lipgloss.NewStyle().Foreground(warningColor).Render(log)
		} else if strings.Contains(log, "[DEBUG]") {
			log = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(log)
		}

		content.WriteString("  " + log + "\n")
	}

	return sectionStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			headerStyle.Render("ЛОГИ"),
			content.String(),
		),
	)
}
