// Package api 暴露结算核心的 REST 接口：支付订单的生命周期、
// 智能体租赁账本与积分账本的操作入口。
package api
