package scanning

import "fmt"

// receiptScanPrompt is the shared prompt used by all providers when the receipt image is sent inline
const receiptScanPrompt = `Analise esta imagem de recibo e extraia todas as informações possíveis.
Forneça as informações em formato JSON com os seguintes campos:
- valor_total (decimal)
- estabelecimento (string)
- data (string no formato DD/MM/YYYY)
- categoria (string sugerida baseada no tipo de estabelecimento)
- itens (array de objetos com nome, quantidade e valor)
- moeda (string, ex: BRL, USD)
- forma_pagamento (string se identificável)
- numero_parcelas (int, se for parcelado, senão null)

Seja preciso na extração dos valores numéricos e datas.
Procure por informações de parcelamento como '2x', '3x de R$ 50,00', 'parcelado em X vezes', etc.
Se não encontrar um campo, use null.
Responda apenas com o JSON válido, sem texto adicional.`

// receiptTextPromptTemplate is used when only OCR text is available
const receiptTextPromptTemplate = `Analise o seguinte texto de recibo e extraia as informações principais:

%s

Por favor, forneça as seguintes informações em formato JSON:
- valor_total (decimal)
- estabelecimento (string)
- data (string no formato DD/MM/YYYY)
- categoria (string)
- itens (array de objetos com nome, quantidade e valor)
- moeda (string, ex: BRL, USD)
- forma_pagamento (string se identificável)
- numero_parcelas (int, se for parcelado, senão null)

Responda apenas com o JSON, sem texto adicional.`

func receiptTextPrompt(receiptText string) string {
	return fmt.Sprintf(receiptTextPromptTemplate, receiptText)
}

// Decoding settings shared by every provider. Near-greedy sampling keeps
// repeated runs over the same image as close to identical as the model allows.
const (
	generationTemperature = 0.1
	generationTopK        = 1
	generationTopP        = 1.0
	generationMaxTokens   = 2048
)
