// Package notify renders receipt analyses and fixed replies for the messaging channel.
package notify

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zapfinance/receipts/internal/scanning"
)

// MaxListedItems is how many line items are rendered before the overflow line
const MaxListedItems = 5

// Fixed user-facing replies
const (
	MsgDownloadFailed = "❌ Erro ao processar a imagem. Tente novamente."
	MsgUnreadable     = "❌ Não foi possível analisar o recibo. Verifique se a imagem está clara."
	MsgInternalError  = "❌ Erro interno ao processar o recibo. Tente novamente mais tarde."

	MsgAnalyzing = "🔍 Analisando seu recibo... Aguarde um momento!"

	MsgWelcome = "👋 Olá! Bem-vindo ao *ZapFinance*!\n\n" +
		"📸 Envie uma foto do seu recibo que eu vou extrair todas as informações automaticamente!\n\n" +
		"✨ Posso identificar:\n" +
		"• Valor total\n" +
		"• Estabelecimento\n" +
		"• Data da compra\n" +
		"• Itens comprados\n" +
		"• Número de parcelas\n" +
		"• Categoria\n\n" +
		"Vamos começar? 🚀"

	MsgHelp = "🆘 *Como usar o ZapFinance:*\n\n" +
		"1️⃣ Tire uma foto clara do seu recibo\n" +
		"2️⃣ Envie a foto aqui no WhatsApp\n" +
		"3️⃣ Aguarde a análise automática\n" +
		"4️⃣ Receba todas as informações extraídas!\n\n" +
		"💡 *Dicas para melhores resultados:*\n" +
		"• Foto bem iluminada\n" +
		"• Recibo completamente visível\n" +
		"• Evite sombras ou reflexos\n\n" +
		"📱 Seus recibos ficam salvos automaticamente!"

	MsgSendPhoto = "📸 Envie uma foto do seu recibo para análise!\n\n" +
		"💬 Digite *ajuda* se precisar de instruções."

	MsgUnsupportedType = "📱 Olá! Envie uma foto do seu recibo que eu vou analisar para você! 📸"
)

// ReplyForText picks the canned reply for an inbound text message
func ReplyForText(body string) string {
	switch strings.ToLower(strings.TrimSpace(body)) {
	case "oi", "olá", "ola", "hello", "hi":
		return MsgWelcome
	case "ajuda", "help", "?":
		return MsgHelp
	default:
		return MsgSendPhoto
	}
}

// Format renders an analysis as a chat message. Absent fields produce no line.
// Output depends only on the analysis.
func Format(a scanning.ReceiptAnalysis) string {
	var b strings.Builder

	b.WriteString("✅ *Recibo processado com sucesso!*\n\n")

	if a.MerchantName != "" {
		fmt.Fprintf(&b, "🏪 *Estabelecimento:* %s\n", a.MerchantName)
	}
	if a.Amount != nil {
		fmt.Fprintf(&b, "💰 *Valor Total:* %s\n", Money(*a.Amount, a.Currency))
	}
	if a.TransactionDate != nil {
		fmt.Fprintf(&b, "📅 *Data:* %s\n", a.TransactionDate.Format("02/01/2006"))
	}
	if a.Category != "" {
		fmt.Fprintf(&b, "📂 *Categoria:* %s\n", a.Category)
	}
	if a.PaymentMethod != "" {
		fmt.Fprintf(&b, "💳 *Forma de Pagamento:* %s\n", a.PaymentMethod)
	}
	if a.InstallmentCount != nil && *a.InstallmentCount > 1 {
		fmt.Fprintf(&b, "📊 *Parcelas:* %dx\n", *a.InstallmentCount)
	}

	if len(a.Items) > 0 {
		b.WriteString("\n🛒 *Itens:*\n")
		for i, item := range a.Items {
			if i == MaxListedItems {
				break
			}
			b.WriteString(formatItem(item, a.Currency))
			b.WriteString("\n")
		}
		if extra := len(a.Items) - MaxListedItems; extra > 0 {
			fmt.Fprintf(&b, "... e mais %d itens\n", extra)
		}
	}

	b.WriteString("\n📱 Recibo salvo no seu ZapFinance!")

	return b.String()
}

func formatItem(item scanning.ReceiptItem, currency string) string {
	name := item.Name
	if name == "" {
		name = "Item"
	}
	line := "• " + name
	if item.Quantity != nil && *item.Quantity > 1 {
		line += fmt.Sprintf(" (x%d)", *item.Quantity)
	}
	if item.Price != nil {
		line += " - " + Money(*item.Price, currency)
	}
	return line
}

// Money renders an amount with two fractional digits and a comma separator, "R$ 45,90"
func Money(d decimal.Decimal, currency string) string {
	prefix := "R$"
	if c := strings.ToUpper(strings.TrimSpace(currency)); c != "" && c != "BRL" && c != "R$" {
		prefix = c
	}
	return prefix + " " + strings.Replace(d.StringFixed(2), ".", ",", 1)
}
